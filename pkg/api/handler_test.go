package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/brandgate/quotas/pkg/admission"
	"github.com/brandgate/quotas/pkg/api"
	"github.com/brandgate/quotas/storage/memory"
)

func newTestHandler(t *testing.T) (*api.Handler, *admission.Engine) {
	t.Helper()

	catalog, err := admission.NewCatalog([]admission.TierLimits{
		{Name: "basic", WindowLength: time.Minute, WindowLimit: 5, MonthlyQuota: 1000, GracePercent: 0.10},
	})
	if err != nil {
		t.Fatalf("NewCatalog failed: %v", err)
	}
	store := memory.New()
	engine, err := admission.NewEngine(store, admission.Config{Catalog: catalog})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	reporter, err := admission.NewReporter(store, admission.ReporterConfig{Catalog: catalog})
	if err != nil {
		t.Fatalf("NewReporter failed: %v", err)
	}
	handler, err := api.NewHandler(api.Config{
		Reporter: reporter,
		GetTier: func(r *http.Request, credentialID string) string {
			return "basic"
		},
	})
	if err != nil {
		t.Fatalf("NewHandler failed: %v", err)
	}
	return handler, engine
}

func TestGetStatus(t *testing.T) {
	handler, engine := newTestHandler(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := engine.CheckNow(ctx, "cred_a", "basic"); err != nil {
			t.Fatalf("Check failed: %v", err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/quota/cred_a", nil)
	rec := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var resp api.StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.CredentialID != "cred_a" {
		t.Errorf("credential_id = %q, want %q", resp.CredentialID, "cred_a")
	}
	if resp.Tier != "basic" {
		t.Errorf("tier = %q, want %q", resp.Tier, "basic")
	}
	if resp.Window == nil || resp.Window.Used != 2 {
		t.Errorf("window = %+v, want Used 2", resp.Window)
	}
	if resp.Month.Total != 2 {
		t.Errorf("month.total = %d, want 2", resp.Month.Total)
	}
}

func TestGetStatus_OversizedCredentialRejected(t *testing.T) {
	handler, _ := newTestHandler(t)

	long := strings.Repeat("x", 256)
	req := httptest.NewRequest(http.MethodGet, "/v1/quota/"+long, nil)
	rec := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var resp api.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error == "" {
		t.Error("error body should carry a message")
	}
}

func TestGetStatus_StoreUnavailableIs503(t *testing.T) {
	catalog, err := admission.NewCatalog([]admission.TierLimits{
		{Name: "basic", WindowLength: time.Minute, WindowLimit: 5, MonthlyQuota: 1000},
	})
	if err != nil {
		t.Fatalf("NewCatalog failed: %v", err)
	}
	reporter, err := admission.NewReporter(&downStore{Store: memory.New()}, admission.ReporterConfig{Catalog: catalog})
	if err != nil {
		t.Fatalf("NewReporter failed: %v", err)
	}
	handler, err := api.NewHandler(api.Config{
		Reporter: reporter,
		GetTier:  func(r *http.Request, credentialID string) string { return "basic" },
	})
	if err != nil {
		t.Fatalf("NewHandler failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/quota/cred_a", nil)
	rec := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestGetStatus_CustomErrorHook(t *testing.T) {
	called := false

	custom, err := api.NewHandler(api.Config{
		Reporter: mustReporter(t),
		GetTier:  func(r *http.Request, credentialID string) string { return "basic" },
		OnError: func(w http.ResponseWriter, r *http.Request, err error) {
			called = true
			w.WriteHeader(http.StatusTeapot)
		},
	})
	if err != nil {
		t.Fatalf("NewHandler failed: %v", err)
	}

	long := strings.Repeat("x", 256)
	req := httptest.NewRequest(http.MethodGet, "/v1/quota/"+long, nil)
	rec := httptest.NewRecorder()
	custom.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want custom 418", rec.Code)
	}
	if !called {
		t.Error("OnError was not called")
	}
}

func TestNewHandler_Validation(t *testing.T) {
	if _, err := api.NewHandler(api.Config{}); err == nil {
		t.Error("nil Reporter should be rejected")
	}
	if _, err := api.NewHandler(api.Config{Reporter: mustReporter(t)}); err == nil {
		t.Error("nil GetTier should be rejected")
	}
}

func mustReporter(t *testing.T) *admission.Reporter {
	t.Helper()
	catalog, err := admission.NewCatalog([]admission.TierLimits{
		{Name: "basic", WindowLength: time.Minute, WindowLimit: 5, MonthlyQuota: 1000},
	})
	if err != nil {
		t.Fatalf("NewCatalog failed: %v", err)
	}
	reporter, err := admission.NewReporter(memory.New(), admission.ReporterConfig{Catalog: catalog})
	if err != nil {
		t.Fatalf("NewReporter failed: %v", err)
	}
	return reporter
}

// downStore fails every read so the handler's unavailability mapping can be
// exercised without a real backend outage.
type downStore struct {
	admission.Store
}

func (s *downStore) GetLedger(ctx context.Context, credentialID, month string) (*admission.MonthlyLedger, error) {
	return nil, admission.ErrStoreUnavailable
}

func (s *downStore) GetWindow(ctx context.Context, credentialID string, windowStart time.Time) (*admission.WindowCounter, error) {
	return nil, admission.ErrStoreUnavailable
}
