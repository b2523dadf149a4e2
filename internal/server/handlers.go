package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/offersync/internal/account"
	"github.com/mbd888/offersync/internal/binding"
	"github.com/mbd888/offersync/internal/catalog"
	"github.com/mbd888/offersync/internal/engine"
	"github.com/mbd888/offersync/internal/logging"
	"github.com/mbd888/offersync/internal/pagination"
	"github.com/mbd888/offersync/internal/provider"
	"github.com/mbd888/offersync/internal/subscription"
	"github.com/mbd888/offersync/internal/validation"
	"github.com/mbd888/offersync/internal/wallet"
)

// Request bodies

type setRegistryRequest struct {
	Address  string `json:"address"`
	Deployed bool   `json:"deployed"` // use the artifact's address for the connected network
}

type selectAccountRequest struct {
	Address string `json:"address"`
}

type selectOfferRequest struct {
	Index *int64 `json:"index"`
}

type setDurationRequest struct {
	Minutes *int64 `json:"minutes"`
}

// apiError is the status and user-visible text for a failure.
type apiError struct {
	status  int
	code    string
	message string
}

// classify maps engine failures onto HTTP. The message is what the user
// sees in place of a wallet alert.
func classify(err error) apiError {
	var (
		denied    *provider.AuthorizationDeniedError
		query     *account.AccountQueryError
		bind      *binding.BindError
		load      *catalog.CatalogLoadError
		fee       *subscription.FeeComputationError
		rejected  *subscription.TransactionRejectedError
		walletErr *wallet.SendError
	)
	switch {
	case errors.Is(err, provider.ErrNoProvider):
		return apiError{http.StatusServiceUnavailable, "no_provider", "No ledger provider is available. Check the RPC endpoint and wallet settings."}
	case errors.As(err, &denied):
		return apiError{http.StatusForbidden, "authorization_denied", "Account access was denied."}
	case errors.Is(err, engine.ErrNotBootstrapped):
		return apiError{http.StatusConflict, "not_bootstrapped", "Connect a wallet first."}
	case errors.Is(err, engine.ErrClosed):
		return apiError{http.StatusServiceUnavailable, "closed", "The service is shutting down."}
	case errors.Is(err, ErrSelectUnsupported):
		return apiError{http.StatusNotImplemented, "select_unsupported", "This wallet switches accounts on its own."}
	case errors.Is(err, wallet.ErrUnknownAccount):
		return apiError{http.StatusNotFound, "unknown_account", "The wallet does not hold that account."}
	case errors.Is(err, engine.ErrInvalidAddress):
		return apiError{http.StatusBadRequest, "invalid_address", "Registry address must be 0x followed by 40 hex characters."}
	case errors.Is(err, engine.ErrInvalidDuration):
		return apiError{http.StatusBadRequest, "invalid_duration", err.Error()}
	case errors.Is(err, engine.ErrUnknownOffer):
		return apiError{http.StatusNotFound, "unknown_offer", "That offer is not in the loaded catalog."}
	case errors.Is(err, engine.ErrNoOfferSelected):
		return apiError{http.StatusConflict, "no_offer_selected", "Select an offer first."}
	case errors.Is(err, binding.ErrNoAddress):
		return apiError{http.StatusConflict, "no_registry_address", "Contract address is not set."}
	case errors.Is(err, catalog.ErrSuperseded):
		return apiError{http.StatusConflict, "superseded", "A newer load replaced this one."}
	case errors.As(err, &fee):
		return apiError{http.StatusUnprocessableEntity, "fee_computation_failed", "The registry refused to price this subscription."}
	case errors.As(err, &rejected):
		msg := "The transaction was not submitted."
		if errors.Is(err, wallet.ErrUserRejected) {
			msg = "The transaction was rejected in the wallet."
		} else if errors.As(err, &walletErr) {
			msg = "The wallet could not send the transaction."
		}
		return apiError{http.StatusUnprocessableEntity, "transaction_rejected", msg}
	case errors.Is(err, binding.ErrNoCode):
		return apiError{http.StatusBadGateway, "no_contract_code", "No contract is deployed at the registry address."}
	case errors.As(err, &load):
		return apiError{http.StatusBadGateway, "catalog_load_failed", "Offers could not be loaded."}
	case errors.As(err, &query):
		return apiError{http.StatusBadGateway, "account_query_failed", "The account could not be read."}
	case errors.As(err, &bind):
		return apiError{http.StatusBadGateway, "bind_failed", "The registry could not be bound."}
	case errors.Is(err, context.DeadlineExceeded):
		return apiError{http.StatusGatewayTimeout, "timeout", "The ledger did not answer in time."}
	case errors.Is(err, context.Canceled):
		return apiError{499, "cancelled", "The request was cancelled."}
	default:
		return apiError{http.StatusInternalServerError, "internal_error", "An unexpected error occurred."}
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	e := classify(err)
	logging.L(c.Request.Context()).Warn("request failed", "code", e.code, "error", err)
	c.AbortWithStatusJSON(e.status, gin.H{"error": e.code, "message": e.message})
}

func badRequest(c *gin.Context, errs validation.ValidationErrors) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":   "validation_failed",
		"message": errs.Error(),
		"details": errs,
	})
}

// bindBody decodes the JSON body and reports malformed input as 400.
func bindBody(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must be valid JSON",
		})
		return false
	}
	return true
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) getState(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Snapshot())
}

type offersPage struct {
	catalog.Snapshot
	NextCursor string `json:"next_cursor,omitempty"`
}

// listOffers returns the visible catalog, optionally paged with ?limit and
// ?cursor. A cursor is only valid for the catalog generation that issued it.
func (s *Server) listOffers(c *gin.Context) {
	snap := s.engine.Snapshot().Catalog
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil || limit < 0 {
		badRequest(c, validation.ValidationErrors{{Field: "limit", Message: "must be a non-negative integer"}})
		return
	}

	offers, next, err := pagination.Page(snap.Offers, snap.Generation, c.Query("cursor"), limit)
	switch {
	case errors.Is(err, pagination.ErrStaleCursor):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{
			"error":   "stale_cursor",
			"message": "The catalog was reloaded; start again without a cursor.",
		})
		return
	case err != nil:
		badRequest(c, validation.ValidationErrors{{Field: "cursor", Message: "is not a valid cursor"}})
		return
	}
	snap.Offers = offers
	c.JSON(http.StatusOK, offersPage{Snapshot: snap, NextCursor: next})
}

func (s *Server) bootstrap(c *gin.Context) {
	acct, err := s.engine.Bootstrap(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

func (s *Server) refreshAccount(c *gin.Context) {
	acct, err := s.engine.RefreshAccount(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

// selectAccount switches the wallet's active account and returns it once
// re-read. The engine loop sees the same switch through AccountsChanged.
func (s *Server) selectAccount(c *gin.Context) {
	var req selectAccountRequest
	if !bindBody(c, &req) {
		return
	}
	req.Address = validation.SanitizeAddress(req.Address)
	if errs := validation.Validate(
		validation.Required("address", req.Address),
		validation.ValidAddress("address", req.Address),
	); len(errs) > 0 {
		badRequest(c, errs)
		return
	}
	if s.selectAcct == nil {
		s.fail(c, ErrSelectUnsupported)
		return
	}

	if err := s.selectAcct(c.Request.Context(), common.HexToAddress(req.Address)); err != nil {
		s.fail(c, err)
		return
	}
	acct, err := s.engine.RefreshAccount(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

func (s *Server) setRegistry(c *gin.Context) {
	var req setRegistryRequest
	if !bindBody(c, &req) {
		return
	}
	req.Address = validation.SanitizeAddress(req.Address)
	if errs := validation.Validate(validation.ValidAddress("address", req.Address)); len(errs) > 0 {
		badRequest(c, errs)
		return
	}

	var err error
	if req.Deployed && req.Address == "" {
		err = s.engine.BindDeployed(c.Request.Context())
	} else {
		err = s.engine.SetRegistryAddress(c.Request.Context(), req.Address)
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.engine.Snapshot())
}

func (s *Server) loadOffers(c *gin.Context) {
	snap, err := s.engine.LoadOffers(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) selectOffer(c *gin.Context) {
	var req selectOfferRequest
	if !bindBody(c, &req) {
		return
	}
	if errs := validation.Validate(
		validation.Present("index", req.Index),
		validation.NonNegative("index", req.Index),
	); len(errs) > 0 {
		badRequest(c, errs)
		return
	}

	if err := s.engine.SelectOffer(c.Request.Context(), uint64(*req.Index)); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"intent": s.engine.Snapshot().Intent})
}

func (s *Server) setDuration(c *gin.Context) {
	var req setDurationRequest
	if !bindBody(c, &req) {
		return
	}
	if errs := validation.Validate(
		validation.Present("minutes", req.Minutes),
		validation.IntRange("minutes", req.Minutes, engine.MinDurationMinutes, engine.MaxDurationMinutes),
	); len(errs) > 0 {
		badRequest(c, errs)
		return
	}

	if err := s.engine.SetDuration(c.Request.Context(), uint64(*req.Minutes)); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"intent": s.engine.Snapshot().Intent})
}

func (s *Server) createSubscription(c *gin.Context) {
	p, err := s.engine.CreateSubscription(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	// Accepted: the confirmation arrives on /ws and in /v1/state.
	c.JSON(http.StatusAccepted, gin.H{"pending": p})
}

// watchConfirmations starts listening for the active account's
// confirmations before anything is submitted.
func (s *Server) watchConfirmations(c *gin.Context) {
	if err := s.engine.Watch(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
