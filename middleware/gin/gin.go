// Package gin provides Gin middleware for admission enforcement.
package gin

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	gongin "github.com/gin-gonic/gin"

	"github.com/brandgate/quotas/pkg/admission"
)

// CredentialExtractor extracts the API credential from a Gin context.
// Return empty string if the caller is not authenticated.
type CredentialExtractor func(c *gongin.Context) string

// TierExtractor extracts the caller's tier name from a Gin context.
type TierExtractor func(c *gongin.Context) string

// ResourceExtractor extracts the resource name recorded against usage.
type ResourceExtractor func(c *gongin.Context) string

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
	OnDenied func(c *gongin.Context, d *admission.Decision)

	// OnUnauthorized is called when no credential is present.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when the engine itself fails.
	// If nil, returns 500 Internal Server Error.
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that enforces admission decisions.
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Engine == nil {
		panic("quotas/gin: Config.Engine is required")
	}
	if cfg.GetCredential == nil {
		panic("quotas/gin: Config.GetCredential is required")
	}
	if cfg.GetTier == nil {
		panic("quotas/gin: Config.GetTier is required")
	}

	if cfg.DeniedStatusCode == 0 {
		cfg.DeniedStatusCode = http.StatusTooManyRequests
	}
	if cfg.GetResource == nil {
		cfg.GetResource = func(c *gongin.Context) string { return c.FullPath() }
	}

	return func(c *gongin.Context) {
		credential := cfg.GetCredential(c)
		if credential == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		decision, err := cfg.Engine.CheckNow(c.Request.Context(), credential, cfg.GetTier(c))
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
			}
			c.Abort()
			return
		}

		setHeaders(c, decision)

		if !decision.Allowed {
			if cfg.OnDenied != nil {
				cfg.OnDenied(c, decision)
			} else {
				defaultDenied(c, decision, cfg.DeniedStatusCode)
			}
			c.Abort()
			return
		}

		if cfg.Recorder == nil {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		cfg.Recorder.Record(admission.Outcome{
			CredentialID: credential,
			Resource:     cfg.GetResource(c),
			Timestamp:    start.UTC(),
			Success:      c.Writer.Status() < http.StatusInternalServerError,
			Latency:      time.Since(start),
		})
	}
}

func setHeaders(c *gongin.Context, d *admission.Decision) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(d.WindowLimit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(d.WindowRemaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

	if !d.Allowed {
		retryAfter := int(time.Until(d.ResetAt).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		c.Header("Retry-After", strconv.Itoa(retryAfter))
	}
	for _, w := range d.Warnings {
		c.Writer.Header().Add("X-Quota-Warning", string(w))
	}
}

func defaultDenied(c *gongin.Context, d *admission.Decision, status int) {
	body := gongin.H{
		"error":  "Rate limit exceeded",
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
	c.JSON(status, body)
}

// Common extractors for convenience.

// FromHeader returns a CredentialExtractor that reads a header.
func FromHeader(headerName string) CredentialExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// TierFromHeader returns a TierExtractor that reads a header.
func TierFromHeader(headerName string) TierExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FixedTier returns a TierExtractor that always returns the given tier.
func FixedTier(tier string) TierExtractor {
	return func(c *gongin.Context) string {
		return tier
	}
}
