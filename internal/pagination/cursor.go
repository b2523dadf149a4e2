// Package pagination pages through an in-memory snapshot with opaque cursors.
package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrInvalidCursor = errors.New("pagination: invalid cursor")
	// ErrStaleCursor means the snapshot was replaced after the cursor was issued.
	ErrStaleCursor = errors.New("pagination: cursor refers to a replaced snapshot")
)

// MaxLimit caps a single page.
const MaxLimit = 100

// Cursor is a position within one generation of a snapshot.
type Cursor struct {
	Generation uint64
	Offset     int
}

// Encode returns an opaque cursor string.
func Encode(generation uint64, offset int) string {
	raw := fmt.Sprintf("%d|%d", generation, offset)
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor string. Returns nil for empty input.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return nil, ErrInvalidCursor
	}
	gen, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	offset, err := strconv.Atoi(parts[1])
	if err != nil || offset < 0 {
		return nil, ErrInvalidCursor
	}
	return &Cursor{Generation: gen, Offset: offset}, nil
}

// Page returns the items after cursor, at most limit of them, from a
// snapshot at generation gen. A limit <= 0 returns the rest. next is empty
// when nothing follows.
func Page[T any](items []T, gen uint64, cursor string, limit int) (page []T, next string, err error) {
	c, err := Decode(cursor)
	if err != nil {
		return nil, "", err
	}
	start := 0
	if c != nil {
		if c.Generation != gen {
			return nil, "", ErrStaleCursor
		}
		if c.Offset > len(items) {
			return nil, "", ErrInvalidCursor
		}
		start = c.Offset
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	end := len(items)
	if limit > 0 && start+limit < end {
		end = start + limit
		next = Encode(gen, end)
	}
	return items[start:end], next, nil
}
