package stripe

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/brandgate/quotas/pkg/admission"
	"github.com/brandgate/quotas/storage/memory"
)

const (
	testWebhookSecret = "whsec_test_secret"
	testCredentialID  = "cred_buyer"
)

func newTestProvider(t *testing.T, store admission.Store) *Provider {
	t.Helper()
	provider, err := NewProvider(Config{
		Store:         store,
		WebhookSecret: testWebhookSecret,
	})
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	return provider
}

func checkoutEvent(t *testing.T, created time.Time, metadata map[string]string) *stripe.Event {
	t.Helper()
	session := map[string]interface{}{
		"id":       "cs_test_123",
		"metadata": metadata,
	}
	raw, err := json.Marshal(session)
	if err != nil {
		t.Fatalf("marshal session: %v", err)
	}
	return &stripe.Event{
		ID:      "evt_test_123",
		Type:    "checkout.session.completed",
		Created: created.Unix(),
		Data:    &stripe.EventData{Raw: raw},
	}
}

func TestHandleCheckoutCompleted_ProvisionsBlock(t *testing.T) {
	store := memory.New()
	provider := newTestProvider(t, store)
	created := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	event := checkoutEvent(t, created, map[string]string{
		"credential_id": testCredentialID,
		"units":         "500",
		"valid_days":    "7",
	})
	if err := provider.handleEvent(context.Background(), event); err != nil {
		t.Fatalf("handleEvent failed: %v", err)
	}

	blocks, err := store.ListAddOnBlocks(context.Background(), testCredentialID)
	if err != nil {
		t.Fatalf("ListAddOnBlocks failed: %v", err)
	}
	if len(blocks) != 1 {
		t.Fatalf("len(blocks) = %d, want 1", len(blocks))
	}
	block := blocks[0]
	if block.Remaining != 500 {
		t.Errorf("Remaining = %d, want 500", block.Remaining)
	}
	if !block.ActivatesAt.Equal(created) {
		t.Errorf("ActivatesAt = %v, want event creation time %v", block.ActivatesAt, created)
	}
	if want := created.Add(7 * 24 * time.Hour); !block.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", block.ExpiresAt, want)
	}
}

func TestHandleCheckoutCompleted_DefaultValidDays(t *testing.T) {
	store := memory.New()
	provider := newTestProvider(t, store)
	created := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	event := checkoutEvent(t, created, map[string]string{
		"credential_id": testCredentialID,
		"units":         "100",
	})
	if err := provider.handleEvent(context.Background(), event); err != nil {
		t.Fatalf("handleEvent failed: %v", err)
	}

	blocks, _ := store.ListAddOnBlocks(context.Background(), testCredentialID)
	if len(blocks) != 1 {
		t.Fatalf("len(blocks) = %d, want 1", len(blocks))
	}
	if want := created.Add(30 * 24 * time.Hour); !blocks[0].ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want default 30-day lifetime %v", blocks[0].ExpiresAt, want)
	}
}

func TestHandleCheckoutCompleted_ExplicitActivation(t *testing.T) {
	store := memory.New()
	provider := newTestProvider(t, store)
	created := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	activates := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	event := checkoutEvent(t, created, map[string]string{
		"credential_id": testCredentialID,
		"units":         "100",
		"activates_at":  activates.Format(time.RFC3339),
	})
	if err := provider.handleEvent(context.Background(), event); err != nil {
		t.Fatalf("handleEvent failed: %v", err)
	}

	blocks, _ := store.ListAddOnBlocks(context.Background(), testCredentialID)
	if len(blocks) != 1 {
		t.Fatalf("len(blocks) = %d, want 1", len(blocks))
	}
	if !blocks[0].ActivatesAt.Equal(activates) {
		t.Errorf("ActivatesAt = %v, want %v", blocks[0].ActivatesAt, activates)
	}
}

func TestHandleCheckoutCompleted_ForeignSessionAcked(t *testing.T) {
	store := memory.New()
	provider := newTestProvider(t, store)

	// A checkout session without our metadata belongs to some other product.
	event := checkoutEvent(t, time.Now(), map[string]string{"sku": "tshirt"})
	if err := provider.handleEvent(context.Background(), event); err != nil {
		t.Fatalf("foreign session should be acknowledged, got %v", err)
	}

	blocks, _ := store.ListAddOnBlocks(context.Background(), testCredentialID)
	if len(blocks) != 0 {
		t.Errorf("len(blocks) = %d, want 0", len(blocks))
	}
}

func TestHandleCheckoutCompleted_InvalidMetadata(t *testing.T) {
	store := memory.New()
	provider := newTestProvider(t, store)
	now := time.Now()

	cases := []struct {
		name     string
		metadata map[string]string
	}{
		{"missing units", map[string]string{"credential_id": testCredentialID}},
		{"non-numeric units", map[string]string{"credential_id": testCredentialID, "units": "lots"}},
		{"zero units", map[string]string{"credential_id": testCredentialID, "units": "0"}},
		{"negative valid_days", map[string]string{"credential_id": testCredentialID, "units": "10", "valid_days": "-1"}},
		{"bad activates_at", map[string]string{"credential_id": testCredentialID, "units": "10", "activates_at": "tomorrow"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			event := checkoutEvent(t, now, tc.metadata)
			if err := provider.handleEvent(context.Background(), event); err == nil {
				t.Error("expected error for invalid metadata")
			}
		})
	}
}

func TestHandleEvent_IgnoresUnknownTypes(t *testing.T) {
	provider := newTestProvider(t, memory.New())
	event := &stripe.Event{
		ID:   "evt_other",
		Type: "invoice.paid",
		Data: &stripe.EventData{Raw: json.RawMessage(`{}`)},
	}
	if err := provider.handleEvent(context.Background(), event); err != nil {
		t.Errorf("unknown event type should be ignored, got %v", err)
	}
}

func TestHandleCheckoutCompleted_CallbackFires(t *testing.T) {
	store := memory.New()
	var callbackBlock *admission.AddOnBlock
	provider, err := NewProvider(Config{
		Store:         store,
		WebhookSecret: testWebhookSecret,
		OnBlockCreated: func(block *admission.AddOnBlock) {
			callbackBlock = block
		},
	})
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}

	event := checkoutEvent(t, time.Now(), map[string]string{
		"credential_id": testCredentialID,
		"units":         "50",
	})
	if err := provider.handleEvent(context.Background(), event); err != nil {
		t.Fatalf("handleEvent failed: %v", err)
	}
	if callbackBlock == nil {
		t.Fatal("OnBlockCreated was not called")
	}
	if callbackBlock.Remaining != 50 {
		t.Errorf("callback block Remaining = %d, want 50", callbackBlock.Remaining)
	}
}

func TestWebhookHandler_RejectsNonPost(t *testing.T) {
	provider := newTestProvider(t, memory.New())

	req := httptest.NewRequest(http.MethodGet, "/webhooks/stripe", nil)
	rec := httptest.NewRecorder()
	provider.WebhookHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestWebhookHandler_RejectsUnsignedPayload(t *testing.T) {
	provider := newTestProvider(t, memory.New())

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewBufferString(`{"type":"checkout.session.completed"}`))
	rec := httptest.NewRecorder()
	provider.WebhookHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestWebhookHandler_RejectsOversizedPayload(t *testing.T) {
	provider := newTestProvider(t, memory.New())

	payload := bytes.Repeat([]byte("x"), maxPayloadSize+1)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewBuffer(payload))
	rec := httptest.NewRecorder()
	provider.WebhookHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

func TestNewProvider_Validation(t *testing.T) {
	if _, err := NewProvider(Config{WebhookSecret: testWebhookSecret}); err == nil {
		t.Error("nil Store should be rejected")
	}
	if _, err := NewProvider(Config{Store: memory.New()}); err == nil {
		t.Error("empty WebhookSecret should be rejected")
	}
	if _, err := NewProvider(Config{Store: memory.New(), WebhookSecret: "   "}); err == nil {
		t.Error("blank WebhookSecret should be rejected")
	}
}
