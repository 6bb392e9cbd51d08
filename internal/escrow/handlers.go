package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kopa-agent/kopa/internal/validation"
	"github.com/kopa-agent/kopa/internal/verification"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrow", h.CreateEscrow)
	r.GET("/escrow/:id", h.GetEscrow)
	r.POST("/escrow/:id/proof", h.SubmitProof)
	r.GET("/parties/:address/escrows", validation.AddressParamMiddleware(), h.ListEscrows)
}

// CreateEscrow handles POST /v1/escrow
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAddress("buyerAddress", req.BuyerAddr),
		validation.ValidAddress("farmerAddress", req.FarmerAddr),
		validation.DistinctAddresses("farmerAddress", req.BuyerAddr, req.FarmerAddr),
		validation.ValidMinorAmount("amount", req.Amount),
		validation.Required("deliveryConditions.requiredProofType", string(req.Conditions.RequiredKind)),
		validation.OneOf("deliveryConditions.requiredProofType", string(req.Conditions.RequiredKind), proofKinds...),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	txn, err := h.service.Initialize(c.Request.Context(), req)
	if err != nil {
		writeError(c, err, "Failed to create escrow")
		return
	}

	c.JSON(http.StatusCreated, gin.H{"transaction": txn})
}

// SubmitProof handles POST /v1/escrow/:id/proof
func (h *Handler) SubmitProof(c *gin.Context) {
	var proof verification.DeliveryProof
	if err := c.ShouldBindJSON(&proof); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("proofType", string(proof.Kind)),
		validation.OneOf("proofType", string(proof.Kind), proofKinds...),
		validation.MaxLength("data.qrCode", proof.Data.QRCode, validation.MaxCodeLength),
		validation.MaxLength("data.confirmationCode", proof.Data.ConfirmationCode, validation.MaxCodeLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	id := c.Param("id")
	verdict, err := h.service.ProcessDeliveryProof(c.Request.Context(), id, proof)
	if err != nil {
		writeError(c, err, "Failed to process delivery proof")
		return
	}

	state := StateRefunded
	if verdict.Approved {
		state = StateCompleted
	}
	c.JSON(http.StatusOK, gin.H{
		"verdict": verdict,
		"state":   state,
	})
}

// GetEscrow handles GET /v1/escrow/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	status, err := h.service.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err, "Failed to load escrow")
		return
	}

	c.JSON(http.StatusOK, status)
}

// ListEscrows handles GET /v1/parties/:address/escrows. Every transaction
// of the party is returned unless ?limit=N asks for only the newest N.
func (h *Handler) ListEscrows(c *gin.Context) {
	address := c.Param("address")
	limit := 0
	if l := c.Query("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "limit must be a non-negative integer",
			})
			return
		}
		limit = parsed
	}

	txns, err := h.service.ListByParty(c.Request.Context(), address, limit)
	if err != nil {
		writeError(c, err, "Failed to list escrows")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": txns,
		"count":        len(txns),
	})
}

var proofKinds = []string{
	string(verification.KindQRScan),
	string(verification.KindReceipt),
	string(verification.KindConfirmation),
}

// writeError maps coordinator errors onto HTTP responses.
func writeError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, ErrExternalCall):
		c.JSON(http.StatusBadGateway, gin.H{"error": "payment_unavailable", "message": err.Error()})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Escrow not found"})
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": fallback})
	}
}
