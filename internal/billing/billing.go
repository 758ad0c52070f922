// Package billing turns successful Stripe payments into wallet topups.
// The stripe event id is the movement ref, so a re-fired webhook (Stripe
// retries aggressively) credits the account exactly once.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/musebot/muse/internal/traces"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
)

// ErrMissingOwner means the payment carries no owner reference in its
// metadata, so no account can be credited.
var ErrMissingOwner = errors.New("payment has no owner metadata")

// Topuper is the slice of the wallet the billing handler needs.
type Topuper interface {
	Topup(ctx context.Context, ownerID, amount int64, ref, meta string) error
}

// Handler verifies and applies Stripe webhooks.
type Handler struct {
	wallet        Topuper
	webhookSecret string
	logger        *slog.Logger
}

// NewHandler creates a new billing webhook handler.
func NewHandler(wallet Topuper, webhookSecret string, logger *slog.Logger) *Handler {
	return &Handler{wallet: wallet, webhookSecret: webhookSecret, logger: logger}
}

// RegisterRoutes sets up the billing webhook route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/billing/stripe", h.StripeWebhook)
}

// StripeWebhook handles POST /v1/billing/stripe. Non-payment events are
// acknowledged and ignored; signature failures are rejected so a forged
// payload can never mint credits.
func (h *Handler) StripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<16))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}

	event, err := webhook.ConstructEvent(payload, c.GetHeader("Stripe-Signature"), h.webhookSecret)
	if err != nil {
		h.logger.Warn("stripe signature verification failed", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature"})
		return
	}

	if err := h.apply(c.Request.Context(), event); err != nil {
		if errors.Is(err, ErrMissingOwner) {
			// Our mistake at checkout-creation time, not Stripe's. Ack so
			// Stripe stops retrying, and leave the evidence in the logs.
			h.logger.Error("stripe payment without owner metadata", "eventId", event.ID)
			c.JSON(http.StatusOK, gin.H{"received": true})
			return
		}
		// Transient (wallet store down): make Stripe retry later.
		h.logger.Warn("failed to apply stripe event", "eventId", event.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "apply_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (h *Handler) apply(ctx context.Context, event stripe.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return fmt.Errorf("decoding checkout session: %w", err)
		}
		return h.credit(ctx, event.ID, sess.Metadata, sess.AmountTotal)

	case "payment_intent.succeeded":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return fmt.Errorf("decoding payment intent: %w", err)
		}
		return h.credit(ctx, event.ID, intent.Metadata, intent.Amount)

	default:
		h.logger.Debug("ignoring stripe event", "type", event.Type, "eventId", event.ID)
		return nil
	}
}

// credit converts a paid amount into wallet credits. Credits are minor
// units one-to-one with the charged currency's minor units.
func (h *Handler) credit(ctx context.Context, eventID string, metadata map[string]string, amount int64) error {
	ownerStr, ok := metadata["owner_id"]
	if !ok || ownerStr == "" {
		return ErrMissingOwner
	}
	ownerID, err := strconv.ParseInt(ownerStr, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad owner_id %q", ErrMissingOwner, ownerStr)
	}
	if amount <= 0 {
		h.logger.Warn("ignoring non-positive stripe amount", "eventId", eventID, "amount", amount)
		return nil
	}

	ctx, span := traces.StartSpan(ctx, "billing.credit", traces.OwnerID(ownerID), traces.Amount(amount))
	defer span.End()

	if err := h.wallet.Topup(ctx, ownerID, amount, "stripe:"+eventID, "stripe_topup"); err != nil {
		return fmt.Errorf("crediting owner %d: %w", ownerID, err)
	}
	h.logger.Info("credited stripe payment", "ownerId", ownerID, "amount", amount, "eventId", eventID)
	return nil
}
