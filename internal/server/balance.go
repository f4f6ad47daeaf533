package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	balancedomain "github.com/smallbiznis/slabworks/internal/balance/domain"
)

type chargeRequest struct {
	Action string `json:"action"`
	Model  string `json:"model"`
}

type chargeResponse struct {
	Balance balancedomain.Money `json:"balance"`
	Cost    balancedomain.Money `json:"cost"`
}

type balanceResponse struct {
	Balance  balancedomain.Money     `json:"balance"`
	Currency string                  `json:"currency"`
	Scope    balancedomain.ScopeType `json:"scope"`
}

// GetBalance reads the tenant budget, or the caller's personal credit with ?scope=user.
func (s *Server) GetBalance(c *gin.Context) {
	tenantID, ok := tenantFromContext(c)
	if !ok {
		AbortWithError(c, ErrTenantRequired)
		return
	}

	scope := balancedomain.Scope{Type: balancedomain.ScopeTenant, ID: tenantID}
	switch strings.ToLower(strings.TrimSpace(c.Query("scope"))) {
	case "", string(balancedomain.ScopeTenant):
	case string(balancedomain.ScopeUser):
		scope = balancedomain.Scope{Type: balancedomain.ScopeUser, ID: userFromContext(c)}
	default:
		AbortWithError(c, balancedomain.ErrInvalidScope)
		return
	}

	view, err := s.balanceSvc.Get(c.Request.Context(), scope)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": balanceResponse{
		Balance:  view.Balance,
		Currency: view.Currency,
		Scope:    view.Scope.Type,
	}})
}

// ChargeBalance debits a synchronous billable action such as a chat completion.
func (s *Server) ChargeBalance(c *gin.Context) {
	tenantID, ok := tenantFromContext(c)
	if !ok {
		AbortWithError(c, ErrTenantRequired)
		return
	}

	var req chargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(req.Action) == "" {
		AbortWithError(c, newValidationError("action", "required", "action is required"))
		return
	}

	result, err := s.balanceSvc.Charge(c.Request.Context(), balancedomain.ChargeRequest{
		TenantID:    tenantID,
		UserID:      userFromContext(c),
		Action:      balancedomain.Action{Code: req.Action, Model: req.Model},
		ReferenceID: c.GetHeader(HeaderIdempotencyKey),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if result.Replayed {
		c.Header("Idempotent-Replayed", "true")
	}
	c.JSON(http.StatusOK, gin.H{"data": chargeResponse{
		Balance: result.Balance,
		Cost:    result.Cost,
	}})
}
