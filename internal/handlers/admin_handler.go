package handlers

import (
	"net/http"
	"strconv"

	"gasless-backend/internal/config"
	"gasless-backend/internal/models"
	"gasless-backend/internal/repository"
	"gasless-backend/internal/services"
	"gasless-backend/internal/types"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AdminHandler exposes operational endpoints. All routes behind it are
// localhost/IP-allowlist restricted and require an admin token.
type AdminHandler struct {
	log          *logrus.Entry
	paymaster    *services.PaymasterService
	sponsorships repository.SponsorshipRepository
	delegations  repository.DelegationRepository
}

// NewAdminHandler creates the handler.
func NewAdminHandler(
	paymaster *services.PaymasterService,
	sponsorships repository.SponsorshipRepository,
	delegations repository.DelegationRepository,
) *AdminHandler {
	return &AdminHandler{
		log:          logrus.WithField("component", "admin_handler"),
		paymaster:    paymaster,
		sponsorships: sponsorships,
		delegations:  delegations,
	}
}

// GetCircuitStatus reports the paymaster circuit breaker per enabled chain.
func (h *AdminHandler) GetCircuitStatus(c *gin.Context) {
	circuits := make([]gin.H, 0)
	for _, chainID := range config.EnabledChainIDs() {
		circuits = append(circuits, gin.H{
			"chain_id": chainID,
			"open":     h.paymaster.CircuitOpen(chainID),
		})
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "circuits": circuits})
}

// ResetCircuit force-closes the paymaster circuit for one chain.
func (h *AdminHandler) ResetCircuit(c *gin.Context) {
	chainID, err := strconv.ParseInt(c.Param("chainId"), 10, 64)
	if err != nil || chainID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid chain id"})
		return
	}

	h.paymaster.ResetCircuit(chainID)
	h.log.WithFields(logrus.Fields{
		"chain_id": chainID,
		"admin":    c.GetString("admin_username"),
	}).Info("Paymaster circuit reset")
	c.JSON(http.StatusOK, gin.H{"success": true, "chain_id": chainID})
}

// GetUserAllowance inspects a user's remaining sponsorship budget.
func (h *AdminHandler) GetUserAllowance(c *gin.Context) {
	userID := c.Param("userId")
	chainID, err := strconv.ParseInt(c.Query("chain_id"), 10, 64)
	if err != nil || chainID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "valid chain_id query parameter required"})
		return
	}

	allowance := h.paymaster.GetAllowance(c.Request.Context(), types.UserRef{UserID: userID}, chainID)
	resp := gin.H{
		"user_id":            userID,
		"chain_id":           chainID,
		"unlimited":          allowance.Unlimited,
		"daily_tx_remaining": allowance.DailyTxRemaining,
	}
	if allowance.DailyRemainingWei != nil {
		resp["daily_remaining_wei"] = allowance.DailyRemainingWei.String()
	}
	if allowance.MonthlyRemainingWei != nil {
		resp["monthly_remaining_wei"] = allowance.MonthlyRemainingWei.String()
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "allowance": resp})
}

// GetUserOperations lists a user's sponsored operations, newest first.
func (h *AdminHandler) GetUserOperations(c *gin.Context) {
	userID := c.Param("userId")
	chainID, err := strconv.ParseInt(c.Query("chain_id"), 10, 64)
	if err != nil || chainID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "valid chain_id query parameter required"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	ops, err := h.sponsorships.ListByUser(c.Request.Context(), userID, chainID, limit)
	if err != nil {
		h.log.WithError(err).Error("Failed to list sponsored operations")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "operations": ops, "count": len(ops)})
}

// ListDelegations lists delegation records on a chain by status.
func (h *AdminHandler) ListDelegations(c *gin.Context) {
	chainID, err := strconv.ParseInt(c.Query("chain_id"), 10, 64)
	if err != nil || chainID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "valid chain_id query parameter required"})
		return
	}
	status := models.DelegationRecordStatus(c.DefaultQuery("status", string(models.DelegationStatusActive)))
	switch status {
	case models.DelegationStatusPending, models.DelegationStatusActive, models.DelegationStatusRevoked:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid status"})
		return
	}

	records, err := h.delegations.ListByStatus(c.Request.Context(), chainID, status)
	if err != nil {
		h.log.WithError(err).Error("Failed to list delegation records")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "delegations": records, "count": len(records)})
}
