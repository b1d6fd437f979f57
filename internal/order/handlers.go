package order

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/p2pramp/internal/auth"
	"github.com/mbd888/p2pramp/internal/logging"
	"github.com/mbd888/p2pramp/internal/pagination"
	"github.com/mbd888/p2pramp/internal/relay"
)

// Handler provides HTTP endpoints for order operations.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new order handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up wallet routes. The group must already require a
// verified wallet.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.CreateOrder)
	r.GET("/orders", h.ListOrders)
	r.GET("/orders/:id", h.GetOrder)
	r.PATCH("/orders/:id", h.UpdateOrder)
}

// RegisterAdminRoutes sets up admin routes; the group must already be guarded.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/orders", h.AdminListOrders)
	r.GET("/orders/:id", h.AdminGetOrder)
	r.PATCH("/orders/:id", h.AdminUpdateOrder)
}

func walletActor(c *gin.Context) Actor {
	return User(auth.GetWallet(c))
}

// CreateOrder handles POST /v1/orders
func (h *Handler) CreateOrder(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "INVALID_REQUEST",
			"message": "Invalid request body",
		})
		return
	}

	o, err := h.engine.Create(c.Request.Context(), walletActor(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order": o})
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	h.getOrder(c, walletActor(c))
}

// AdminGetOrder handles GET /v1/admin/orders/:id
func (h *Handler) AdminGetOrder(c *gin.Context) {
	h.getOrder(c, Admin())
}

func (h *Handler) getOrder(c *gin.Context, actor Actor) {
	o, err := h.engine.Get(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// ListOrders handles GET /v1/orders
func (h *Handler) ListOrders(c *gin.Context) {
	h.listOrders(c, walletActor(c))
}

// AdminListOrders handles GET /v1/admin/orders
func (h *Handler) AdminListOrders(c *gin.Context) {
	h.listOrders(c, Admin())
}

func (h *Handler) listOrders(c *gin.Context, actor Actor) {
	f := Filter{
		UserAddr: c.Query("user"),
		Status:   Status(strings.ToUpper(c.Query("status"))),
	}
	if k := c.Query("kind"); k != "" {
		kind, err := ParseKind(k)
		if err != nil {
			writeError(c, err)
			return
		}
		f.Kind = kind
	}
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			f.Limit = parsed
		}
	}
	after, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		writeError(c, fmt.Errorf("%w: %w", ErrInvalidRequest, err))
		return
	}
	f.After = after

	page, err := h.engine.ListPage(c.Request.Context(), actor, f)
	if err != nil {
		writeError(c, err)
		return
	}
	orders := page.Items
	if orders == nil {
		orders = []*Order{}
	}
	c.JSON(http.StatusOK, gin.H{
		"orders":     orders,
		"count":      len(orders),
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
	})
}

// UpdateOrder handles PATCH /v1/orders/:id
func (h *Handler) UpdateOrder(c *gin.Context) {
	h.updateOrder(c, walletActor(c))
}

// AdminUpdateOrder handles PATCH /v1/admin/orders/:id
func (h *Handler) AdminUpdateOrder(c *gin.Context) {
	h.updateOrder(c, Admin())
}

func (h *Handler) updateOrder(c *gin.Context, actor Actor) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "INVALID_REQUEST",
			"message": "Invalid request body",
		})
		return
	}
	req.OrderID = c.Param("id")
	req.Actor = actor

	resp, err := h.engine.Apply(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// writeError maps engine and relay errors onto a status and error code.
func writeError(c *gin.Context, err error) {
	var pe *TransferPendingError
	if errors.As(err, &pe) {
		c.JSON(http.StatusAccepted, gin.H{
			"error":     relay.CodeTxPending,
			"message":   "Token transfer submitted; confirm again once it is mined",
			"retryable": false,
			"txHash":    pe.TxHash,
		})
		return
	}

	var re *relay.Error
	if errors.As(err, &re) {
		logging.L(c.Request.Context()).Warn("order relay call failed",
			"code", re.Code, "retryable", re.Retryable, "reason", re.Reason)
		body := gin.H{
			"error":     re.Code,
			"message":   re.Message,
			"retryable": re.Retryable,
		}
		if re.Reason != "" {
			body["reason"] = re.Reason
		}
		c.JSON(re.HTTPStatus(), body)
		return
	}

	status, code := http.StatusInternalServerError, "INTERNAL_ERROR"
	switch {
	case errors.Is(err, ErrOrderNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, ErrForbidden):
		status, code = http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, ErrInvalidRequest):
		status, code = http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, ErrWrongKind):
		status, code = http.StatusBadRequest, "WRONG_KIND"
	case errors.Is(err, ErrTerminal), errors.Is(err, ErrInvalidTransition):
		status, code = http.StatusConflict, "INVALID_TRANSITION"
	case errors.Is(err, ErrTransferRecorded):
		status, code = http.StatusConflict, "TRANSFER_RECORDED"
	case errors.Is(err, ErrAlreadyConfirmed):
		status, code = http.StatusConflict, "ALREADY_CONFIRMED"
	case errors.Is(err, ErrOnChainIDAlreadySet):
		status, code = http.StatusConflict, "ONCHAIN_ID_SET"
	case errors.Is(err, ErrConflict):
		status, code = http.StatusConflict, "CONFLICT"
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("order request failed", "error", err)
		msg = "Internal error"
	}
	c.JSON(status, gin.H{
		"error":   code,
		"message": msg,
	})
}
