package handlers

import (
	"net/http"
	"strconv"
	"time"

	"gasless-backend/internal/config"
	"gasless-backend/internal/dto"
	"gasless-backend/internal/services"
	"gasless-backend/internal/types"
	"gasless-backend/internal/utils"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// WalletHandler exposes the gasless wallet HTTP surface.
type WalletHandler struct {
	log       *logrus.Entry
	gasless   *services.GaslessService
	paymaster *services.PaymasterService
}

// NewWalletHandler creates the handler.
func NewWalletHandler(gasless *services.GaslessService, paymaster *services.PaymasterService) *WalletHandler {
	return &WalletHandler{
		log:       logrus.WithField("component", "wallet_handler"),
		gasless:   gasless,
		paymaster: paymaster,
	}
}

// respondError maps the error taxonomy onto HTTP status codes.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch types.KindOf(err) {
	case types.KindValidation, types.KindConfig:
		status = http.StatusBadRequest
	case types.KindSimulation:
		status = http.StatusUnprocessableEntity
	case types.KindSponsorship, types.KindNonce:
		status = http.StatusTooManyRequests
	case types.KindChainUnavailable:
		status = http.StatusServiceUnavailable
	case types.KindTimeout:
		status = http.StatusGatewayTimeout
	}
	c.JSON(status, gin.H{
		"success":   false,
		"error":     err.Error(),
		"kind":      string(types.KindOf(err)),
		"retryable": types.IsRetryable(err),
	})
}

func requireUser(c *gin.Context) (types.UserRef, bool) {
	user, ok := UserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "authentication required"})
	}
	return user, ok
}

func chainIDQuery(c *gin.Context) (int64, bool) {
	chainID, err := strconv.ParseInt(c.Query("chain_id"), 10, 64)
	if err != nil || chainID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "valid chain_id query parameter required"})
		return 0, false
	}
	return chainID, true
}

// GetAddress returns the caller's custodial account address.
func (h *WalletHandler) GetAddress(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}
	address, err := h.gasless.GetAddress(user)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "address": address.Hex()})
}

// GetBalance returns the caller's native balance on a chain.
func (h *WalletHandler) GetBalance(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}
	chainID, ok := chainIDQuery(c)
	if !ok {
		return
	}
	balance, err := h.gasless.GetBalance(c.Request.Context(), user, chainID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "chain_id": chainID, "balance_wei": balance.String()})
}

// GetDelegationStatus returns the caller's delegation state on a chain.
func (h *WalletHandler) GetDelegationStatus(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}
	chainID, ok := chainIDQuery(c)
	if !ok {
		return
	}

	address, err := h.gasless.GetAddress(user)
	if err != nil {
		respondError(c, err)
		return
	}
	status, err := h.gasless.GetDelegationStatus(c.Request.Context(), user, chainID)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := dto.DelegationStatusResponse{
		Address:        address.Hex(),
		ChainID:        chainID,
		IsDelegated:    status.IsDelegated,
		AuthorizedAt:   status.AuthorizedAt,
		LastVerifiedAt: status.LastVerifiedAt,
	}
	if status.DelegationAddress != nil {
		resp.DelegationAddress = status.DelegationAddress.Hex()
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "delegation": resp})
}

// GetAllowance returns the caller's remaining sponsorship budget.
func (h *WalletHandler) GetAllowance(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}
	chainID, ok := chainIDQuery(c)
	if !ok {
		return
	}

	allowance := h.paymaster.GetAllowance(c.Request.Context(), user, chainID)
	resp := dto.AllowanceResponse{
		ChainID:          chainID,
		Unlimited:        allowance.Unlimited,
		DailyTxRemaining: allowance.DailyTxRemaining,
	}
	if allowance.DailyRemainingWei != nil {
		resp.DailyRemainingWei = allowance.DailyRemainingWei.String()
	}
	if allowance.MonthlyRemainingWei != nil {
		resp.MonthlyRemainingWei = allowance.MonthlyRemainingWei.String()
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "allowance": resp})
}

// ListChains returns the enabled networks.
func (h *WalletHandler) ListChains(c *gin.Context) {
	chains := make([]dto.ChainInfo, 0)
	if config.AppConfig != nil {
		for _, network := range config.AppConfig.Blockchain.Networks {
			if !network.Enabled {
				continue
			}
			chains = append(chains, dto.ChainInfo{
				ChainID:            network.ChainID,
				Name:               network.Name,
				GaslessEnabled:     network.GaslessEnabled,
				EntryPoint:         network.EntryPoint,
				DelegationContract: network.DelegationContract,
				ExplorerURL:        network.ExplorerURL,
			})
		}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "chains": chains})
}

func transferResponse(result *types.TransferResult) dto.TransferResponse {
	return dto.TransferResponse{
		UserOpHash:         result.UserOpHash.Hex(),
		State:              string(result.State),
		Sponsored:          result.Sponsored,
		IsFirstTransaction: result.IsFirstTransaction,
		SubmittedAt:        result.SubmittedAt,
	}
}

// SendNativeTransfer submits a gasless native transfer.
func (h *WalletHandler) SendNativeTransfer(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}

	var req dto.NativeTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
		return
	}

	to, err := utils.ParseAddress(req.To)
	if err != nil {
		respondError(c, types.WrapError(types.KindValidation, err, "bad recipient"))
		return
	}
	amount, err := utils.ParseWei(req.Amount)
	if err != nil {
		respondError(c, types.WrapError(types.KindValidation, err, "bad amount"))
		return
	}

	result, err := h.gasless.SendNativeTransfer(c.Request.Context(), user, req.ChainID, to, amount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true, "operation": transferResponse(result)})
}

// SendTokenTransfer submits a gasless ERC-20 transfer.
func (h *WalletHandler) SendTokenTransfer(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}

	var req dto.TokenTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
		return
	}

	token, err := utils.ParseAddress(req.Token)
	if err != nil {
		respondError(c, types.WrapError(types.KindValidation, err, "bad token address"))
		return
	}
	recipient, err := utils.ParseAddress(req.Recipient)
	if err != nil {
		respondError(c, types.WrapError(types.KindValidation, err, "bad recipient"))
		return
	}
	amount, err := utils.ParseWei(req.Amount)
	if err != nil {
		respondError(c, types.WrapError(types.KindValidation, err, "bad amount"))
		return
	}

	result, err := h.gasless.SendTokenTransfer(c.Request.Context(), user, req.ChainID, token, recipient, amount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true, "operation": transferResponse(result)})
}

// SendApproveAndTransfer submits approve+transfer atomically.
func (h *WalletHandler) SendApproveAndTransfer(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}

	var req dto.ApproveAndTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
		return
	}

	token, err := utils.ParseAddress(req.Token)
	if err != nil {
		respondError(c, types.WrapError(types.KindValidation, err, "bad token address"))
		return
	}
	spender, err := utils.ParseAddress(req.Spender)
	if err != nil {
		respondError(c, types.WrapError(types.KindValidation, err, "bad spender"))
		return
	}
	recipient, err := utils.ParseAddress(req.Recipient)
	if err != nil {
		respondError(c, types.WrapError(types.KindValidation, err, "bad recipient"))
		return
	}
	amount, err := utils.ParseWei(req.Amount)
	if err != nil {
		respondError(c, types.WrapError(types.KindValidation, err, "bad amount"))
		return
	}

	result, err := h.gasless.SendApproveAndTransfer(c.Request.Context(), user, req.ChainID, token, spender, recipient, amount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true, "operation": transferResponse(result)})
}

// SendBatch submits arbitrary call tuples atomically.
func (h *WalletHandler) SendBatch(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}

	var req dto.BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
		return
	}

	calls := make([]types.Call, 0, len(req.Calls))
	for i, raw := range req.Calls {
		to, err := utils.ParseAddress(raw.To)
		if err != nil {
			respondError(c, types.WrapError(types.KindValidation, err, "bad target in call %d", i))
			return
		}
		value, err := utils.ParseWeiOrZero(raw.Value)
		if err != nil {
			respondError(c, types.WrapError(types.KindValidation, err, "bad value in call %d", i))
			return
		}
		var data []byte
		if raw.Data != "" {
			if data, err = hexutil.Decode(raw.Data); err != nil {
				respondError(c, types.WrapError(types.KindValidation, err, "bad calldata in call %d", i))
				return
			}
		}
		calls = append(calls, types.Call{To: to, Value: value, Data: data})
	}

	result, err := h.gasless.SendBatch(c.Request.Context(), user, req.ChainID, calls)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true, "operation": transferResponse(result)})
}

func receiptResponse(receipt *types.UserOpReceipt, explorerURL string) dto.ReceiptResponse {
	resp := dto.ReceiptResponse{
		UserOpHash:  receipt.UserOpHash.Hex(),
		Success:     receipt.Success,
		BlockNumber: receipt.BlockNumber,
		Reason:      receipt.Reason,
		ExplorerURL: explorerURL,
	}
	if receipt.Success {
		resp.Status = string(types.StateConfirmed)
	} else {
		resp.Status = string(types.StateFailed)
	}
	if (receipt.TransactionHash != common.Hash{}) {
		resp.TxHash = receipt.TransactionHash.Hex()
	}
	if receipt.ActualGasCost != nil {
		resp.ActualGasCost = receipt.ActualGasCost.String()
	}
	return resp
}

// GetOperation returns the settled state of an operation, or pending.
func (h *WalletHandler) GetOperation(c *gin.Context) {
	if _, ok := requireUser(c); !ok {
		return
	}
	chainID, ok := chainIDQuery(c)
	if !ok {
		return
	}
	hash := c.Param("hash")
	if len(hash) != 66 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid operation hash"})
		return
	}

	receipt, explorerURL, err := h.gasless.GetReceipt(c.Request.Context(), chainID, common.HexToHash(hash))
	if err != nil {
		respondError(c, err)
		return
	}
	if receipt == nil {
		c.JSON(http.StatusOK, gin.H{"success": true, "status": string(types.StatePending)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "receipt": receiptResponse(receipt, explorerURL)})
}

// WaitOperation blocks until the operation settles or the wait window
// expires.
func (h *WalletHandler) WaitOperation(c *gin.Context) {
	if _, ok := requireUser(c); !ok {
		return
	}
	chainID, ok := chainIDQuery(c)
	if !ok {
		return
	}
	hash := c.Param("hash")
	if len(hash) != 66 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid operation hash"})
		return
	}

	timeout := 60 * time.Second
	if s := c.Query("timeout_seconds"); s != "" {
		if seconds, err := strconv.Atoi(s); err == nil && seconds > 0 {
			timeout = time.Duration(seconds) * time.Second
		}
	}

	receipt, explorerURL, err := h.gasless.WaitForReceipt(c.Request.Context(), chainID, common.HexToHash(hash), timeout)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "receipt": receiptResponse(receipt, explorerURL)})
}
