package security

import (
	"net/http"
	"strings"
	"time"

	"github.com/vesselhealth/vessel-control/pkg/telemetry"
)

const (
	defaultCSP = "default-src 'self'; script-src 'self'; style-src 'self'; " +
		"img-src 'self' data:; font-src 'self'; connect-src 'self'; " +
		"frame-ancestors 'none'; base-uri 'self'; form-action 'self'"

	// Swagger and friends load their UI bundle from the page itself and need
	// inline bootstrapping, so docs routes get a looser policy.
	docsCSP = "default-src 'self'; script-src 'self' 'unsafe-inline' https://cdn.jsdelivr.net; " +
		"style-src 'self' 'unsafe-inline' https://cdn.jsdelivr.net; " +
		"img-src 'self' data: https:; font-src 'self' data:"

	permissionsPolicy = "accelerometer=(), camera=(), geolocation=(), gyroscope=(), " +
		"magnetometer=(), microphone=(), payment=(), usb=()"

	hstsValue = "max-age=31536000; includeSubDomains"
)

// HeadersConfig tunes the response header middleware.
type HeadersConfig struct {
	// DocsPrefixes are route prefixes that receive the relaxed CSP.
	DocsPrefixes []string `yaml:"docs_prefixes"`
	// HSTS should be off when TLS terminates elsewhere without forwarding.
	HSTS bool `yaml:"hsts"`
}

// Headers stamps the standard security headers on every response.
func Headers(cfg HeadersConfig, metrics *telemetry.Metrics) func(http.Handler) http.Handler {
	if len(cfg.DocsPrefixes) == 0 {
		cfg.DocsPrefixes = []string{"/docs", "/redoc", "/openapi.json"}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			csp := defaultCSP
			for _, prefix := range cfg.DocsPrefixes {
				if strings.HasPrefix(r.URL.Path, prefix) {
					csp = docsCSP
					break
				}
			}

			h := w.Header()
			h.Set("Content-Security-Policy", csp)
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", permissionsPolicy)
			if cfg.HSTS {
				h.Set("Strict-Transport-Security", hstsValue)
			}

			metrics.ObserveHeaderLatency(time.Since(start))
			next.ServeHTTP(w, r)
		})
	}
}
