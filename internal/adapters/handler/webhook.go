package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"omni-inbox/internal/core/domain"
	"omni-inbox/internal/core/services"
)

// maxWebhookBody caps the bytes read from a provider request
const maxWebhookBody = 4 << 20

// ChannelResolver authenticates webhook traffic
type ChannelResolver interface {
	ResolveLine(ctx context.Context, channelCode string, body []byte, signature string) (*domain.Channel, error)
	VerifyFacebookHandshake(mode, token, challenge string) (string, bool)
}

// WebhookProcessor ingests verified webhook bodies
type WebhookProcessor interface {
	ProcessLine(ctx context.Context, ch *domain.Channel, payload []byte) (services.BatchResult, error)
	ProcessFacebook(ctx context.Context, payload []byte) (services.BatchResult, error)
}

// WebhookHandler receives LINE and Facebook webhooks.
// Batches are processed before the ack, bounded by processTimeout, so the
// provider always hears back inside its delivery window.
type WebhookHandler struct {
	channels       ChannelResolver
	processor      WebhookProcessor
	appSecret      string // For X-Hub-Signature-256 validation
	processTimeout time.Duration
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(channels ChannelResolver, processor WebhookProcessor, appSecret string, processTimeout time.Duration) *WebhookHandler {
	return &WebhookHandler{
		channels:       channels,
		processor:      processor,
		appSecret:      appSecret,
		processTimeout: processTimeout,
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		slog.Error("Failed to read webhook body", "error", err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

// processContext outlives a disconnecting provider but not the timeout
func (h *WebhookHandler) processContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), h.processTimeout)
}

// ============================================================================
// POST /webhook/line/{channelCode}
// ============================================================================

// HandleLineEvent verifies the x-line-signature for the addressed channel and ingests the batch
func (h *WebhookHandler) HandleLineEvent(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	code := r.PathValue("channelCode")
	ch, err := h.channels.ResolveLine(r.Context(), code, body, r.Header.Get("x-line-signature"))
	switch {
	case errors.Is(err, domain.ErrInvalidSignature):
		writeEnvelope(w, BadRequestResponse("Invalid signature"))
		return
	case errors.Is(err, domain.ErrChannelNotFound):
		slog.Warn("LINE webhook for unknown channel", "channel_code", code)
		writeEnvelope(w, NotFoundResponse("Channel not found"))
		return
	case err != nil:
		slog.Error("Failed to resolve LINE channel", "error", err, "channel_code", code)
		writeEnvelope(w, InternalErrorResponse("Channel lookup failed"))
		return
	}

	ctx, cancel := h.processContext(r)
	defer cancel()

	result, err := h.processor.ProcessLine(ctx, ch, body)
	if err != nil {
		slog.Warn("Rejected LINE webhook body", "error", err, "channel_id", ch.ID)
		writeEnvelope(w, BadRequestResponse("Invalid payload"))
		return
	}

	writeJSON(w, http.StatusOK, APIResponse{Code: http.StatusOK, Message: "received", Data: result})
}

// ============================================================================
// GET /webhook/facebook - Webhook Verification
// ============================================================================

// HandleFacebookVerify answers the subscription challenge
// Ref: https://developers.facebook.com/docs/messenger-platform/webhooks#verification
func (h *WebhookHandler) HandleFacebookVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	challenge, ok := h.channels.VerifyFacebookHandshake(
		q.Get("hub.mode"),
		q.Get("hub.verify_token"),
		q.Get("hub.challenge"),
	)
	if !ok {
		slog.Warn("Webhook verification failed", "mode", q.Get("hub.mode"))
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	slog.Info("Webhook verification successful")
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(challenge))
}

// ============================================================================
// POST /webhook/facebook - Webhook Events
// ============================================================================

// HandleFacebookEvent validates the app signature and ingests the batch
func (h *WebhookHandler) HandleFacebookEvent(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	signature := r.Header.Get("X-Hub-Signature-256")
	if signature == "" {
		slog.Warn("Webhook received without signature header")
		http.Error(w, "Forbidden - No signature", http.StatusForbidden)
		return
	}
	if !services.VerifyFacebookSignature(body, h.appSecret, signature) {
		slog.Warn("Webhook signature validation failed")
		http.Error(w, "Forbidden - Invalid signature", http.StatusForbidden)
		return
	}

	ctx, cancel := h.processContext(r)
	defer cancel()

	result, err := h.processor.ProcessFacebook(ctx, body)
	if err != nil {
		slog.Warn("Rejected Facebook webhook body",
			"error", err,
			"not_page", errors.Is(err, services.ErrNotPageObject),
		)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	slog.Debug("Facebook webhook acknowledged",
		"processed", result.Processed,
		"failed", result.Failed,
	)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("EVENT_RECEIVED"))
}
