package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"oneshot.link/config"
	"oneshot.link/internal/lifecycle"
	"oneshot.link/internal/models"
)

// Secrets is the lifecycle surface the handlers drive.
type Secrets interface {
	Create(ctx context.Context, req lifecycle.CreateRequest) (lifecycle.Created, error)
	Generate(ctx context.Context, req lifecycle.GenerateRequest) (lifecycle.Created, string, error)
	Reveal(ctx context.Context, secretID, passphrase string) (string, error)
	Status(ctx context.Context, secretID string) (lifecycle.SecretStatus, error)
	Burn(ctx context.Context, receiptID string) (lifecycle.BurnOutcome, error)
	Receipt(ctx context.Context, receiptID string) (*models.Receipt, error)
	ReceiptsByOwner(ctx context.Context, ownerID string) ([]*models.Receipt, error)
}

type Handler struct {
	secrets Secrets
	config  *config.Config
}

func NewHandler(secrets Secrets, cfg *config.Config) *Handler {
	return &Handler{
		secrets: secrets,
		config:  cfg,
	}
}

type CreateRequest struct {
	Content    string `json:"content"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
}

type GenerateRequest struct {
	Length     int    `json:"length,omitempty"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
}

type CreateResponse struct {
	SecretID           string    `json:"secret_id"`
	ReceiptID          string    `json:"receipt_id"`
	ShareURL           string    `json:"share_url"`
	ReceiptURL         string    `json:"receipt_url"`
	Partition          string    `json:"partition"`
	PassphraseRequired bool      `json:"passphrase_required"`
	ExpiresAt          time.Time `json:"expires_at"`
	Value              string    `json:"value,omitempty"`
}

type RevealRequest struct {
	Passphrase string `json:"passphrase,omitempty"`
}

type RevealResponse struct {
	Content string `json:"content"`
}

type StatusResponse struct {
	PassphraseRequired bool      `json:"passphrase_required"`
	ExpiresAt          time.Time `json:"expires_at"`
}

type BurnResponse struct {
	State           string `json:"state"`
	AlreadyConsumed bool   `json:"already_consumed"`
}

type ReceiptsResponse struct {
	Receipts []*models.Receipt `json:"receipts"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.json(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) CreateSecret(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if !h.decode(w, r, &req) {
		return
	}

	ttl, err := lifecycle.TTLFromSeconds(req.TTLSeconds)
	if err != nil {
		h.lifecycleError(w, r, err, "secret not found")
		return
	}

	created, err := h.secrets.Create(r.Context(), lifecycle.CreateRequest{
		Content:    req.Content,
		TTL:        ttl,
		Passphrase: req.Passphrase,
		OwnerID:    OwnerFromContext(r.Context()),
		Host:       r.Host,
	})
	if err != nil {
		h.lifecycleError(w, r, err, "secret not found")
		return
	}

	h.json(w, http.StatusCreated, h.createResponse(created, ""))
}

func (h *Handler) GenerateSecret(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if !h.decode(w, r, &req) {
		return
	}

	ttl, err := lifecycle.TTLFromSeconds(req.TTLSeconds)
	if err != nil {
		h.lifecycleError(w, r, err, "secret not found")
		return
	}

	created, value, err := h.secrets.Generate(r.Context(), lifecycle.GenerateRequest{
		Length:     req.Length,
		TTL:        ttl,
		Passphrase: req.Passphrase,
		OwnerID:    OwnerFromContext(r.Context()),
		Host:       r.Host,
	})
	if err != nil {
		h.lifecycleError(w, r, err, "secret not found")
		return
	}

	h.json(w, http.StatusCreated, h.createResponse(created, value))
}

func (h *Handler) SecretStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.secrets.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.lifecycleError(w, r, err, "secret not found")
		return
	}

	h.json(w, http.StatusOK, StatusResponse{
		PassphraseRequired: status.PassphraseRequired,
		ExpiresAt:          status.ExpiresAt,
	})
}

func (h *Handler) RevealSecret(w http.ResponseWriter, r *http.Request) {
	var req RevealRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}

	content, err := h.secrets.Reveal(r.Context(), chi.URLParam(r, "id"), req.Passphrase)
	if err != nil {
		h.lifecycleError(w, r, err, "secret not found")
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	h.json(w, http.StatusOK, RevealResponse{Content: content})
}

func (h *Handler) GetReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, err := h.secrets.Receipt(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.lifecycleError(w, r, err, "receipt not found")
		return
	}

	h.json(w, http.StatusOK, receipt)
}

func (h *Handler) BurnSecret(w http.ResponseWriter, r *http.Request) {
	outcome, err := h.secrets.Burn(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.lifecycleError(w, r, err, "receipt not found")
		return
	}

	h.json(w, http.StatusOK, BurnResponse{
		State:           outcome.String(),
		AlreadyConsumed: outcome == lifecycle.AlreadyConsumed,
	})
}

func (h *Handler) ListReceipts(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())
	if owner == "" {
		h.error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	receipts, err := h.secrets.ReceiptsByOwner(r.Context(), owner)
	if err != nil {
		h.lifecycleError(w, r, err, "receipt not found")
		return
	}
	if receipts == nil {
		receipts = []*models.Receipt{}
	}

	h.json(w, http.StatusOK, ReceiptsResponse{Receipts: receipts})
}

func (h *Handler) createResponse(c lifecycle.Created, value string) CreateResponse {
	base := h.config.Server.BaseURL
	return CreateResponse{
		SecretID:           c.SecretID,
		ReceiptID:          c.ReceiptID,
		ShareURL:           base + "/s/" + c.SecretID,
		ReceiptURL:         base + "/r/" + c.ReceiptID,
		Partition:          string(c.Partition),
		PassphraseRequired: c.HasPassphrase,
		ExpiresAt:          c.ExpiresAt,
		Value:              value,
	}
}

// decode reads a JSON body bounded by the configured content size plus
// room for the envelope. It writes the error response itself.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	limit := int64(h.config.Secrets.MaxContentSize)*2 + 4096
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		h.error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (h *Handler) json(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) error(w http.ResponseWriter, status int, message string) {
	writeError(w, status, message)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}
