package pagination

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	cursor, err := Decode(Encode(7, 3))
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, uint64(7), cursor.Generation)
	assert.Equal(t, 3, cursor.Offset)
}

func TestDecode_Empty(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecode_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		cursor string
	}{
		{"not base64", "not-base64!!!"},
		{"no separator", "bm9waXBl"},    // "nopipe"
		{"bad generation", "eHw0"},      // "x|4"
		{"negative offset", "MXwtMg=="}, // "1|-2"
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.cursor)
			assert.ErrorIs(t, err, ErrInvalidCursor)
		})
	}
}

func TestPage_WalksAllItems(t *testing.T) {
	items := []string{"a", "b", "c", "d", "e"}

	var got []string
	cursor := ""
	for i := 0; i < 10; i++ {
		page, next, err := Page(items, 4, cursor, 2)
		require.NoError(t, err)
		got = append(got, page...)
		if next == "" {
			break
		}
		cursor = next
	}
	assert.Equal(t, items, got)
}

func TestPage_NoLimitReturnsRest(t *testing.T) {
	items := []int{0, 1, 2}
	page, next, err := Page(items, 1, Encode(1, 1), 0)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, page)
	assert.Empty(t, next)
}

func TestPage_ExactLimit(t *testing.T) {
	page, next, err := Page([]int{0, 1, 2}, 1, "", 3)
	require.NoError(t, err)
	assert.Len(t, page, 3)
	assert.Empty(t, next)
}

func TestPage_LimitCapped(t *testing.T) {
	items := make([]int, MaxLimit+5)
	page, next, err := Page(items, 1, "", MaxLimit+50)
	require.NoError(t, err)
	assert.Len(t, page, MaxLimit)
	assert.NotEmpty(t, next)
}

func TestPage_StaleCursor(t *testing.T) {
	_, _, err := Page([]int{0, 1, 2}, 2, Encode(1, 1), 1)
	assert.ErrorIs(t, err, ErrStaleCursor)
}

func TestPage_OffsetPastEnd(t *testing.T) {
	_, _, err := Page([]int{0, 1}, 1, Encode(1, 5), 1)
	assert.ErrorIs(t, err, ErrInvalidCursor)
}
