// Package http provides HTTP middleware for admission enforcement.
//
// On every request the middleware extracts the caller's credential and tier,
// asks the admission engine for a verdict, and either denies with 429 plus
// rate-limit headers or forwards to the wrapped handler. When a Recorder is
// configured, the completed request's outcome is queued for usage accounting
// after the handler returns.
package http

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/brandgate/quotas/pkg/admission"
)

// CredentialExtractor extracts the API credential from an HTTP request.
// Return empty string if the caller is not authenticated.
type CredentialExtractor func(r *http.Request) string

// TierExtractor extracts the caller's tier name from an HTTP request.
type TierExtractor func(r *http.Request) string

// ResourceExtractor extracts the resource name recorded against usage.
type ResourceExtractor func(r *http.Request) string

// Config holds middleware configuration.
type Config struct {
	// Engine is the admission engine instance (required).
	Engine *admission.Engine

	// Recorder, when set, receives an Outcome for every admitted request
	// after the handler returns.
	Recorder *admission.Recorder

	// GetCredential extracts the credential from the request (required).
	GetCredential CredentialExtractor

	// GetTier extracts the tier name from the request (required).
	GetTier TierExtractor

	// GetResource extracts the resource name for usage records.
	// Default: the request path.
	GetResource ResourceExtractor

	// OnDenied is called when admission is denied.
	// If nil, returns 429 Too Many Requests with rate-limit headers.
	OnDenied func(w http.ResponseWriter, r *http.Request, d *admission.Decision)

	// OnUnauthorized is called when no credential is present.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when the engine itself fails.
	// If nil, returns 500 Internal Server Error.
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that enforces admission decisions.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.GetResource == nil {
		config.GetResource = func(r *http.Request) string { return r.URL.Path }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			credential := config.GetCredential(r)
			if credential == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			decision, err := config.Engine.CheckNow(r.Context(), credential, config.GetTier(r))
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}

			SetHeaders(w.Header(), decision)

			if !decision.Allowed {
				if config.OnDenied != nil {
					config.OnDenied(w, r, decision)
				} else {
					msg := fmt.Sprintf("Rate limit exceeded: %d/%d requests used", decision.WindowCount, decision.WindowLimit)
					if decision.Reason == admission.ReasonGraceExceeded {
						msg = "Monthly quota exceeded"
						if decision.UpgradeHint != "" {
							msg += ": " + decision.UpgradeHint
						}
					}
					http.Error(w, msg, http.StatusTooManyRequests)
				}
				return
			}

			if config.Recorder == nil {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			config.Recorder.Record(admission.Outcome{
				CredentialID: credential,
				Resource:     config.GetResource(r),
				Timestamp:    start.UTC(),
				Success:      sw.status < http.StatusInternalServerError,
				Latency:      time.Since(start),
			})
		})
	}
}

// SetHeaders writes the standard rate-limit headers for a decision. Shared
// by the framework-specific middleware packages so all surfaces agree.
func SetHeaders(h http.Header, d *admission.Decision) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.WindowLimit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.WindowRemaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

	if !d.Allowed {
		retryAfter := int(time.Until(d.ResetAt).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		h.Set("Retry-After", strconv.Itoa(retryAfter))
	}
	for _, w := range d.Warnings {
		h.Add("X-Quota-Warning", string(w))
	}
}

// statusWriter captures the response status for outcome recording.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Common extractors for convenience.

// FromHeader returns a CredentialExtractor that reads a header.
func FromHeader(headerName string) CredentialExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FixedTier returns a TierExtractor that always returns the given tier.
func FixedTier(tier string) TierExtractor {
	return func(r *http.Request) string {
		return tier
	}
}

// TierFromHeader returns a TierExtractor that reads a header.
func TierFromHeader(headerName string) TierExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FixedResource returns a ResourceExtractor that always returns the given
// resource name.
func FixedResource(resource string) ResourceExtractor {
	return func(r *http.Request) string {
		return resource
	}
}

// ContextKey is a type for context keys.
type ContextKey string

const (
	// CredentialKey is the context key for the caller's credential.
	CredentialKey ContextKey = "admission:credential"

	// TierKey is the context key for the caller's tier.
	TierKey ContextKey = "admission:tier"
)

// FromContext returns a CredentialExtractor that reads the request context.
func FromContext(key ContextKey) CredentialExtractor {
	return func(r *http.Request) string {
		if v, ok := r.Context().Value(key).(string); ok {
			return v
		}
		return ""
	}
}

// TierFromContext returns a TierExtractor that reads the request context.
func TierFromContext(key ContextKey) TierExtractor {
	return func(r *http.Request) string {
		if v, ok := r.Context().Value(key).(string); ok {
			return v
		}
		return ""
	}
}

// WithCredential adds the credential to a request context.
func WithCredential(ctx context.Context, credential string) context.Context {
	return context.WithValue(ctx, CredentialKey, credential)
}

// WithTier adds the tier name to a request context.
func WithTier(ctx context.Context, tier string) context.Context {
	return context.WithValue(ctx, TierKey, tier)
}
