// Package fiber provides Fiber middleware for admission enforcement.
package fiber

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/brandgate/quotas/pkg/admission"
)

// CredentialExtractor extracts the API credential from a Fiber context.
// Return empty string if the caller is not authenticated.
type CredentialExtractor func(c *fiber.Ctx) string

// TierExtractor extracts the caller's tier name from a Fiber context.
type TierExtractor func(c *fiber.Ctx) string

// ResourceExtractor extracts the resource name recorded against usage.
type ResourceExtractor func(c *fiber.Ctx) string

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
	OnDenied func(c *fiber.Ctx, d *admission.Decision) error

	// OnUnauthorized is called when no credential is present.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when the engine itself fails.
	// If nil, returns 500 Internal Server Error.
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that enforces admission decisions.
func Middleware(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Engine == nil {
		panic("quotas/fiber: Config.Engine is required")
	}
	if cfg.GetCredential == nil {
		panic("quotas/fiber: Config.GetCredential is required")
	}
	if cfg.GetTier == nil {
		panic("quotas/fiber: Config.GetTier is required")
	}

	if cfg.DeniedStatusCode == 0 {
		cfg.DeniedStatusCode = fiber.StatusTooManyRequests
	}
	if cfg.GetResource == nil {
		cfg.GetResource = func(c *fiber.Ctx) string { return c.Path() }
	}

	return func(c *fiber.Ctx) error {
		credential := cfg.GetCredential(c)
		if credential == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		// Fiber uses fasthttp, so c.UserContext() carries the context.Context.
		decision, err := cfg.Engine.CheckNow(c.UserContext(), credential, cfg.GetTier(c))
		if err != nil {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
		}

		setHeaders(c, decision)

		if !decision.Allowed {
			if cfg.OnDenied != nil {
				return cfg.OnDenied(c, decision)
			}
			return defaultDenied(c, decision, cfg.DeniedStatusCode)
		}

		if cfg.Recorder == nil {
			return c.Next()
		}

		start := time.Now()
		err = c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			status = fiber.StatusInternalServerError
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			}
		}
		cfg.Recorder.Record(admission.Outcome{
			CredentialID: credential,
			Resource:     cfg.GetResource(c),
			Timestamp:    start.UTC(),
			Success:      status < fiber.StatusInternalServerError,
			Latency:      time.Since(start),
		})
		return err
	}
}

func setHeaders(c *fiber.Ctx, d *admission.Decision) {
	c.Set("X-RateLimit-Limit", strconv.Itoa(d.WindowLimit))
	c.Set("X-RateLimit-Remaining", strconv.Itoa(d.WindowRemaining))
	c.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

	if !d.Allowed {
		retryAfter := int(time.Until(d.ResetAt).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		c.Set("Retry-After", strconv.Itoa(retryAfter))
	}
	for _, w := range d.Warnings {
		c.Append("X-Quota-Warning", string(w))
	}
}

func defaultDenied(c *fiber.Ctx, d *admission.Decision, status int) error {
	body := fiber.Map{
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
	return c.Status(status).JSON(body)
}

// Common extractors for convenience.

// FromHeader returns a CredentialExtractor that reads a header.
func FromHeader(headerName string) CredentialExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// TierFromHeader returns a TierExtractor that reads a header.
func TierFromHeader(headerName string) TierExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FixedTier returns a TierExtractor that always returns the given tier.
func FixedTier(tier string) TierExtractor {
	return func(c *fiber.Ctx) string {
		return tier
	}
}
