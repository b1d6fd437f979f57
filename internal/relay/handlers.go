package relay

import (
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/p2pramp/internal/amount"
	"github.com/mbd888/p2pramp/internal/auth"
	"github.com/mbd888/p2pramp/internal/validation"
)

// Handler provides HTTP handlers for gas station operations
type Handler struct {
	station *Station
	admin   common.Address
}

// NewHandler creates a new gas station handler. admin is the default
// counterparty for sells and BUY settlements.
func NewHandler(station *Station, admin common.Address) *Handler {
	return &Handler{station: station, admin: admin}
}

// RegisterRoutes sets up the public gas station routes. fundLimiter, when
// non-nil, guards the gas-funding endpoint.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, fundLimiter gin.HandlerFunc) {
	g := r.Group("/gas-station")
	g.GET("/status", h.GetStatus)
	g.GET("/allowance/:address", validation.AddressParamMiddleware(), h.GetAllowance)
	if fundLimiter != nil {
		g.POST("/fund-approval", fundLimiter, h.FundApproval)
	} else {
		g.POST("/fund-approval", h.FundApproval)
	}
	g.POST("/sell", auth.RequireWallet(), h.Sell)
}

// RegisterAdminRoutes sets up admin-only routes; the group must already be guarded.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/gas-station/transfer", h.AdminTransfer)
	r.POST("/gas-station/sell", h.AdminSell)
}

// FundApprovalRequest is the body of POST /gas-station/fund-approval
type FundApprovalRequest struct {
	ChainID     int64  `json:"chainId"`
	UserAddress string `json:"userAddress"`
}

// SellRequestBody is the body of POST /gas-station/sell. AdminAddress is
// honoured on the admin route only.
type SellRequestBody struct {
	ChainID      int64  `json:"chainId"`
	UserAddress  string `json:"userAddress"`
	AdminAddress string `json:"adminAddress,omitempty"`
	Amount       string `json:"amount"`
	FiatAmount   string `json:"fiatAmount,omitempty"`
	OrderKind    string `json:"orderKind,omitempty"`
	Protocol     string `json:"protocol,omitempty"`
}

// AdminTransferBody is the body of POST /admin/gas-station/transfer
type AdminTransferBody struct {
	ChainID      int64  `json:"chainId"`
	UserAddress  string `json:"userAddress"`
	AdminAddress string `json:"adminAddress,omitempty"`
	Amount       string `json:"amount"`
}

// GetStatus handles GET /gas-station/status
func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": h.station.Status(c.Request.Context())})
}

// GetAllowance handles GET /gas-station/allowance/:address
func (h *Handler) GetAllowance(c *gin.Context) {
	user := common.HexToAddress(c.Param("address"))
	allowance := h.station.Allowance(c.Request.Context(), user)
	c.JSON(http.StatusOK, gin.H{
		"owner":     user.Hex(),
		"spender":   h.station.Address().Hex(),
		"allowance": amount.FormatToken(allowance),
	})
}

// FundApproval handles POST /gas-station/fund-approval
func (h *Handler) FundApproval(c *gin.Context) {
	var req FundApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.ChainID("chainId", req.ChainID, h.station.ChainID()),
		validation.Required("userAddress", req.UserAddress),
		validation.ValidAddress("userAddress", req.UserAddress),
	); len(errs) > 0 {
		h.rejectValidation(c, errs)
		return
	}

	grant, err := h.station.PayForUserApproval(c.Request.Context(), req.ChainID, common.HexToAddress(req.UserAddress))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"grant": grant})
}

// Sell handles POST /gas-station/sell. The caller may only sell from their
// own wallet, and tokens always go to the configured counterparty.
func (h *Handler) Sell(c *gin.Context) {
	h.sell(c, false)
}

// AdminSell handles POST /admin/gas-station/sell
func (h *Handler) AdminSell(c *gin.Context) {
	h.sell(c, true)
}

func (h *Handler) sell(c *gin.Context, admin bool) {
	var req SellRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if !admin {
		req.AdminAddress = ""
	}
	if errs := validation.Validate(
		validation.ChainID("chainId", req.ChainID, h.station.ChainID()),
		validation.Required("userAddress", req.UserAddress),
		validation.ValidAddress("userAddress", req.UserAddress),
		validation.ValidAddress("adminAddress", req.AdminAddress),
		validation.Required("amount", req.Amount),
		validation.PositiveDecimal("amount", req.Amount, amount.TokenDecimals),
		validation.PositiveDecimal("fiatAmount", req.FiatAmount, 2),
	); len(errs) > 0 {
		h.rejectValidation(c, errs)
		return
	}
	user := common.HexToAddress(req.UserAddress)
	if !admin && user != common.HexToAddress(auth.GetWallet(c)) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "FORBIDDEN",
			"message": "userAddress must be the authenticated wallet",
		})
		return
	}
	protocol, err := ParseProtocol(req.Protocol)
	if err != nil {
		writeError(c, err)
		return
	}
	raw, err := amount.Token(req.Amount)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	fiat := decimal.Zero
	if req.FiatAmount != "" {
		fiat = decimal.RequireFromString(req.FiatAmount)
	}

	out, err := h.station.Sell(c.Request.Context(), protocol, SellRequest{
		ChainID:    req.ChainID,
		User:       user,
		Admin:      h.counterparty(req.AdminAddress),
		Amount:     raw,
		FiatAmount: fiat,
		OrderKind:  req.OrderKind,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	if out.NeedsApproval {
		c.JSON(http.StatusOK, gin.H{
			"needsApproval": true,
			"allowance":     amount.FormatToken(out.Allowance),
			"spender":       h.station.Address().Hex(),
			"message":       "Approve the relay for this amount, then retry",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"needsApproval": false, "txHash": out.TxHash})
}

// AdminTransfer handles POST /admin/gas-station/transfer
func (h *Handler) AdminTransfer(c *gin.Context) {
	var req AdminTransferBody
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.ChainID("chainId", req.ChainID, h.station.ChainID()),
		validation.Required("userAddress", req.UserAddress),
		validation.ValidAddress("userAddress", req.UserAddress),
		validation.ValidAddress("adminAddress", req.AdminAddress),
		validation.Required("amount", req.Amount),
		validation.PositiveDecimal("amount", req.Amount, amount.TokenDecimals),
	); len(errs) > 0 {
		h.rejectValidation(c, errs)
		return
	}
	raw, err := amount.Token(req.Amount)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	txHash, err := h.station.AdminTransfer(c.Request.Context(), TransferRequest{
		ChainID: req.ChainID,
		Admin:   h.counterparty(req.AdminAddress),
		User:    common.HexToAddress(req.UserAddress),
		Amount:  raw,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"txHash": txHash})
}

func (h *Handler) counterparty(addr string) common.Address {
	if addr != "" {
		return common.HexToAddress(addr)
	}
	if h.admin != (common.Address{}) {
		return h.admin
	}
	return h.station.Address()
}

// rejectValidation reports a chain-id mismatch as WRONG_NETWORK and
// anything else as INVALID_REQUEST.
func (h *Handler) rejectValidation(c *gin.Context, errs validation.ValidationErrors) {
	code := CodeInvalidRequest
	if errs[0].Field == "chainId" {
		code = CodeWrongNetwork
	}
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   code,
		"message": errs.Error(),
		"details": errs,
	})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   CodeInvalidRequest,
		"message": msg,
	})
}

func writeError(c *gin.Context, err error) {
	var re *Error
	if !errors.As(err, &re) {
		re = Classify(err)
	}
	body := gin.H{
		"error":     re.Code,
		"message":   re.Message,
		"retryable": re.Retryable,
	}
	if re.Reason != "" {
		body["reason"] = re.Reason
	}
	if re.TxHash != "" {
		body["txHash"] = re.TxHash
	}
	c.JSON(re.HTTPStatus(), body)
}
