// Package stripe turns Stripe checkout completions into add-on capacity.
// The webhook handler verifies the event signature, reads the block
// parameters from session metadata, and provisions an add-on block against
// the buyer's credential. Admission itself never talks to Stripe; this
// package is the one-way bridge from billing events into the store.
package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/brandgate/quotas/pkg/admission"
)

const (
	providerName   = "stripe"
	maxPayloadSize = 256 * 1024

	// Metadata keys expected on the checkout session.
	metaCredentialID = "credential_id"
	metaUnits        = "units"
	metaValidDays    = "valid_days"
	metaActivatesAt  = "activates_at" // RFC 3339, optional

	defaultValidDays = 30
)

// Config holds Stripe provider configuration.
type Config struct {
	// Store receives the provisioned add-on blocks (required).
	Store admission.Store

	// WebhookSecret is the Stripe webhook signing secret (required).
	WebhookSecret string

	// DefaultValidDays is the block lifetime when the checkout session
	// carries no valid_days metadata. Default: 30.
	DefaultValidDays int

	// Logger receives structured provisioning logs.
	Logger admission.Logger

	// OnBlockCreated is called after a block is provisioned. Use it to
	// invalidate reporter caches or notify the buyer.
	OnBlockCreated func(block *admission.AddOnBlock)
}

// Provider handles Stripe webhook events for add-on purchases.
type Provider struct {
	store            admission.Store
	webhookSecret    []byte
	defaultValidDays int
	logger           admission.Logger
	onBlockCreated   func(*admission.AddOnBlock)
}

// NewProvider creates a new Stripe provider.
func NewProvider(config Config) (*Provider, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("stripe: Config.Store is required")
	}
	secret := strings.TrimSpace(config.WebhookSecret)
	if secret == "" {
		return nil, fmt.Errorf("stripe: Config.WebhookSecret is required")
	}
	if config.DefaultValidDays <= 0 {
		config.DefaultValidDays = defaultValidDays
	}
	if config.Logger == nil {
		config.Logger = &admission.NoopLogger{}
	}

	return &Provider{
		store:            config.Store,
		webhookSecret:    []byte(secret),
		defaultValidDays: config.DefaultValidDays,
		logger:           config.Logger,
		onBlockCreated:   config.OnBlockCreated,
	}, nil
}

// WebhookHandler returns the HTTP handler to mount at the Stripe webhook URL.
func (p *Provider) WebhookHandler() http.Handler {
	return http.HandlerFunc(p.handleWebhook)
}

func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadSize+1))
	if err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if len(body) > maxPayloadSize {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		sig = r.Header.Get("stripe-signature")
	}

	event, err := stripe.ConstructEvent(body, sig, string(p.webhookSecret))
	if err != nil {
		p.logger.Warn("stripe webhook signature verification failed",
			admission.Field{Key: "provider", Value: providerName},
			admission.Field{Key: "error", Value: err.Error()})
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if err := p.handleEvent(r.Context(), &event); err != nil {
		p.logger.Error("stripe webhook processing failed",
			admission.Field{Key: "event_type", Value: string(event.Type)},
			admission.Field{Key: "event_id", Value: event.ID},
			admission.Field{Key: "error", Value: err.Error()})
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleEvent dispatches a verified webhook event.
func (p *Provider) handleEvent(ctx context.Context, event *stripe.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		return p.handleCheckoutCompleted(ctx, event)
	default:
		// Unknown event type - ignore silently
		return nil
	}
}

// handleCheckoutCompleted provisions an add-on block from a completed
// checkout session. Sessions without credential metadata are not ours to
// handle and are acknowledged without action.
func (p *Provider) handleCheckoutCompleted(ctx context.Context, event *stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("failed to unmarshal checkout session: %w", err)
	}

	if session.Metadata == nil || session.Metadata[metaCredentialID] == "" {
		return nil
	}
	credentialID := session.Metadata[metaCredentialID]

	units, err := strconv.Atoi(session.Metadata[metaUnits])
	if err != nil || units <= 0 {
		return fmt.Errorf("invalid units metadata on session %s: %q", session.ID, session.Metadata[metaUnits])
	}

	validDays := p.defaultValidDays
	if raw := session.Metadata[metaValidDays]; raw != "" {
		validDays, err = strconv.Atoi(raw)
		if err != nil || validDays <= 0 {
			return fmt.Errorf("invalid valid_days metadata on session %s: %q", session.ID, raw)
		}
	}

	activatesAt := time.Unix(event.Created, 0).UTC()
	if raw := session.Metadata[metaActivatesAt]; raw != "" {
		activatesAt, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return fmt.Errorf("invalid activates_at metadata on session %s: %q", session.ID, raw)
		}
		activatesAt = activatesAt.UTC()
	}

	block, err := p.store.CreateAddOnBlock(ctx, &admission.AddOnRequest{
		CredentialID: credentialID,
		Units:        units,
		ActivatesAt:  activatesAt,
		ExpiresAt:    activatesAt.Add(time.Duration(validDays) * 24 * time.Hour),
	})
	if err != nil {
		return fmt.Errorf("failed to create add-on block: %w", err)
	}

	p.logger.Info("provisioned add-on block",
		admission.Field{Key: "credential_id", Value: credentialID},
		admission.Field{Key: "block_id", Value: block.ID},
		admission.Field{Key: "units", Value: units},
		admission.Field{Key: "expires_at", Value: block.ExpiresAt})

	if p.onBlockCreated != nil {
		p.onBlockCreated(block)
	}
	return nil
}
