package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	balancedomain "github.com/smallbiznis/slabworks/internal/balance/domain"
	"go.uber.org/zap"
)

type devCreditRequest struct {
	Scope       balancedomain.ScopeType `json:"scope"`
	Amount      balancedomain.Money     `json:"amount"`
	ReferenceID string                  `json:"reference_id"`
}

// DevCredit tops up a balance outside production so local runs can exercise billing.
func (s *Server) DevCredit(c *gin.Context) {
	if s.cfg.IsProduction() {
		AbortWithError(c, ErrNotFound)
		return
	}
	tenantID, ok := tenantFromContext(c)
	if !ok {
		AbortWithError(c, ErrTenantRequired)
		return
	}

	var req devCreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	scope := balancedomain.Scope{Type: balancedomain.ScopeTenant, ID: tenantID}
	if strings.EqualFold(string(req.Scope), string(balancedomain.ScopeUser)) {
		scope = balancedomain.Scope{Type: balancedomain.ScopeUser, ID: userFromContext(c)}
	}

	after, err := s.balanceSvc.Credit(c.Request.Context(), balancedomain.CreditRequest{
		Scope:       scope,
		Amount:      req.Amount,
		ReferenceID: req.ReferenceID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.log.Info("dev credit applied",
		zap.String("scope", scope.String()),
		zap.String("amount", req.Amount.String()),
	)
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"balance": after}})
}
