package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oapi-codegen/runtime"
	"github.com/shopspring/decimal"

	apperrors "ledgerd.io/ledgerd/internal/pkg/errors"
	"ledgerd.io/ledgerd/internal/usecase"
)

type createAccountRequest struct {
	AccountID      string          `json:"account_id"`
	OwnerName      string          `json:"owner_name"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
	Currency       string          `json:"currency"`
}

type moveMoneyRequest struct {
	Amount        decimal.Decimal `json:"amount"`
	TransactionID string          `json:"transaction_id"`
	Description   string          `json:"description"`
}

type closeAccountRequest struct {
	Reason string `json:"reason"`
}

// CreateAccount handles POST /api/accounts.
func (s *Server) CreateAccount(c *gin.Context) {
	var req createAccountRequest
	if !bindJSON(c, &req) {
		return
	}
	out, err := s.createAccount.Execute(c.Request.Context(), usecase.CreateAccountInput{
		AccountID:      req.AccountID,
		OwnerName:      req.OwnerName,
		InitialBalance: req.InitialBalance,
		Currency:       req.Currency,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, out)
}

// Deposit handles POST /api/accounts/:id/deposit.
func (s *Server) Deposit(c *gin.Context) {
	s.moveMoney(c, s.deposit)
}

// Withdraw handles POST /api/accounts/:id/withdraw.
func (s *Server) Withdraw(c *gin.Context) {
	s.moveMoney(c, s.withdraw)
}

func (s *Server) moveMoney(c *gin.Context, mover MoneyMover) {
	var req moveMoneyRequest
	if !bindJSON(c, &req) {
		return
	}
	out, err := mover.Execute(c.Request.Context(), usecase.MoveMoneyInput{
		AccountID:     c.Param("id"),
		Amount:        req.Amount,
		TransactionID: req.TransactionID,
		Description:   req.Description,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, out)
}

// CloseAccount handles POST /api/accounts/:id/close. The body is optional.
func (s *Server) CloseAccount(c *gin.Context) {
	var req closeAccountRequest
	if c.Request.ContentLength != 0 && !bindJSON(c, &req) {
		return
	}
	out, err := s.closeAccount.Execute(c.Request.Context(), usecase.CloseAccountInput{
		AccountID: c.Param("id"),
		Reason:    req.Reason,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, out)
}

// GetAccount handles GET /api/accounts/:id.
func (s *Server) GetAccount(c *gin.Context) {
	view, err := s.queries.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// ListAccountEvents handles GET /api/accounts/:id/events.
func (s *Server) ListAccountEvents(c *gin.Context) {
	events, err := s.queries.ListEvents(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, events)
}

// GetBalanceAt handles GET /api/accounts/:id/balance-at/:timestamp. The
// contract validator has already checked the timestamp's shape; a value that
// matches it but names no real instant, e.g. month 13, is still rejected here.
func (s *Server) GetBalanceAt(c *gin.Context) {
	at, err := parseTimestamp(c.Param("timestamp"))
	if err != nil {
		_ = c.Error(apperrors.BadRequest(apperrors.CodeInvalidRequestField, "invalid timestamp: "+err.Error()).
			WithParams(map[string]interface{}{"field": "timestamp"}))
		return
	}
	view, err := s.queries.BalanceAt(c.Request.Context(), c.Param("id"), at)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// ListAccountTransactions handles GET /api/accounts/:id/transactions.
// Unparsable page or page_size values fall back to the defaults.
func (s *Server) ListAccountTransactions(c *gin.Context) {
	query := c.Request.URL.Query()
	var page, pageSize int
	_ = runtime.BindQueryParameter("form", true, false, "page", query, &page)
	sizeParam := "page_size"
	if !query.Has(sizeParam) {
		sizeParam = "pageSize"
	}
	_ = runtime.BindQueryParameter("form", true, false, sizeParam, query, &pageSize)

	result, err := s.queries.ListTransactions(c.Request.Context(), c.Param("id"), page, pageSize)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// bindJSON decodes a body the contract validator has already accepted. It
// only fails when the handler is served without the validator.
func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		_ = c.Error(apperrors.BadRequest(apperrors.CodeInvalidRequestField, "invalid request body: "+err.Error()))
		return false
	}
	return true
}

var timestampLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}
