// Package echo provides Echo middleware for admission enforcement.
package echo

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/brandgate/quotas/pkg/admission"
)

// CredentialExtractor extracts the API credential from an Echo context.
// Return empty string if the caller is not authenticated.
type CredentialExtractor func(c echo.Context) string

// TierExtractor extracts the caller's tier name from an Echo context.
type TierExtractor func(c echo.Context) string

// ResourceExtractor extracts the resource name recorded against usage.
type ResourceExtractor func(c echo.Context) string

// Config holds middleware configuration.
type Config struct {
	// Engine is the admission engine instance (required).
	Engine *admission.Engine

	// Recorder, when set, receives an Outcome for every admitted request.
	Recorder *admission.Recorder

	// GetCredential extracts the credential from the context (required).
	GetCredential CredentialExtractor

	// GetTier extracts the tier name from the context (required).
	GetTier TierExtractor

	// GetResource extracts the resource name for usage records.
	// Default: the request path.
	GetResource ResourceExtractor

	// DeniedStatusCode is the HTTP status returned on denial.
	// Default: 429 (Too Many Requests).
	DeniedStatusCode int

	// OnDenied is called when admission is denied.
	// If nil, responds with DeniedStatusCode and a JSON body.
	OnDenied func(c echo.Context, d *admission.Decision) error

	// OnUnauthorized is called when no credential is present.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(c echo.Context) error

	// OnError is called when the engine itself fails.
	// If nil, returns 500 Internal Server Error.
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that enforces admission decisions.
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Engine == nil {
		panic("quotas/echo: Config.Engine is required")
	}
	if cfg.GetCredential == nil {
		panic("quotas/echo: Config.GetCredential is required")
	}
	if cfg.GetTier == nil {
		panic("quotas/echo: Config.GetTier is required")
	}

	if cfg.DeniedStatusCode == 0 {
		cfg.DeniedStatusCode = http.StatusTooManyRequests
	}
	if cfg.GetResource == nil {
		cfg.GetResource = func(c echo.Context) string { return c.Path() }
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			credential := cfg.GetCredential(c)
			if credential == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			decision, err := cfg.Engine.CheckNow(c.Request().Context(), credential, cfg.GetTier(c))
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
			}

			setHeaders(c, decision)

			if !decision.Allowed {
				if cfg.OnDenied != nil {
					return cfg.OnDenied(c, decision)
				}
				return defaultDenied(c, decision, cfg.DeniedStatusCode)
			}

			if cfg.Recorder == nil {
				return next(c)
			}

			start := time.Now()
			err = next(c)

			status := c.Response().Status
			if err != nil {
				status = http.StatusInternalServerError
				var httpErr *echo.HTTPError
				if errors.As(err, &httpErr) {
					status = httpErr.Code
				}
			}
			cfg.Recorder.Record(admission.Outcome{
				CredentialID: credential,
				Resource:     cfg.GetResource(c),
				Timestamp:    start.UTC(),
				Success:      status < http.StatusInternalServerError,
				Latency:      time.Since(start),
			})
			return err
		}
	}
}

func setHeaders(c echo.Context, d *admission.Decision) {
	h := c.Response().Header()
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

func defaultDenied(c echo.Context, d *admission.Decision, status int) error {
	body := map[string]string{
		"reason": string(d.Reason),
	}
	if d.Reason == admission.ReasonGraceExceeded {
		body["error"] = "Monthly quota exceeded"
		if d.UpgradeHint != "" {
			body["upgrade_hint"] = d.UpgradeHint
		}
	} else {
		body["error"] = fmt.Sprintf("Rate limit exceeded: %d/%d requests used", d.WindowCount, d.WindowLimit)
	}
	return c.JSON(status, body)
}

// Common extractors for convenience.

// FromHeader returns a CredentialExtractor that reads a header.
func FromHeader(headerName string) CredentialExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// TierFromHeader returns a TierExtractor that reads a header.
func TierFromHeader(headerName string) TierExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FixedTier returns a TierExtractor that always returns the given tier.
func FixedTier(tier string) TierExtractor {
	return func(c echo.Context) string {
		return tier
	}
}
