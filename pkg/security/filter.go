package security

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vesselhealth/vessel-control/pkg/domain"
	"github.com/vesselhealth/vessel-control/pkg/identity"
	"github.com/vesselhealth/vessel-control/pkg/store"
	"github.com/vesselhealth/vessel-control/pkg/telemetry"
)

// Headers rewritten by misconfigured proxies to smuggle a different target
// path past routing; legitimate clients never send them.
var spoofHeaders = []string{"X-Original-URL", "X-Rewrite-URL"}

// FilterConfig tunes the request filter. Zero values get defaults; an empty
// allow-list disables that check.
type FilterConfig struct {
	// AllowedOrigins accepts exact origins ("https://app.vessel.health") and
	// wildcard subdomain entries ("*.vessel.health").
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`

	// MaxBodyScanBytes caps how much of a mutating request body is inspected.
	MaxBodyScanBytes int64 `yaml:"max_body_scan_bytes"`

	// ViolationBudget violations per client per ViolationWindow before the
	// response escalates from 400 to 429.
	ViolationBudget int           `yaml:"violation_budget"`
	ViolationWindow time.Duration `yaml:"violation_window"`
}

func (c FilterConfig) withDefaults() FilterConfig {
	if c.MaxBodyScanBytes <= 0 {
		c.MaxBodyScanBytes = 64 << 10
	}
	if c.ViolationBudget <= 0 {
		c.ViolationBudget = 5
	}
	if c.ViolationWindow <= 0 {
		c.ViolationWindow = time.Minute
	}
	return c
}

// Filter runs the ordered perimeter checks ahead of every handler.
type Filter struct {
	cfg     FilterConfig
	store   store.CounterStore
	metrics *telemetry.Metrics
	logger  zerolog.Logger
}

// NewFilter creates a request filter backed by the shared counter store for
// violation accounting.
func NewFilter(cfg FilterConfig, st store.CounterStore, metrics *telemetry.Metrics, logger zerolog.Logger) *Filter {
	return &Filter{
		cfg:     cfg.withDefaults(),
		store:   st,
		metrics: metrics,
		logger:  logger.With().Str("component", "security").Logger(),
	}
}

// Middleware wraps next with the filter pipeline. Checks run in a fixed
// order and the first violation terminates the request.
func (f *Filter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if vtype, pattern, ok := f.inspect(r); !ok {
			f.reject(w, r, vtype, pattern)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// inspect runs the checks; on a violation it returns the violation type and
// the matched pattern name, with ok=false.
func (f *Filter) inspect(r *http.Request) (string, string, bool) {
	if origin := r.Header.Get("Origin"); origin != "" && len(f.cfg.AllowedOrigins) > 0 {
		if !f.originAllowed(origin) {
			return ViolationOrigin, origin, false
		}
	}

	if len(f.cfg.AllowedMethods) > 0 && !f.methodAllowed(r.Method) {
		return ViolationMethod, r.Method, false
	}

	for _, h := range spoofHeaders {
		if r.Header.Get(h) != "" {
			return ViolationSpoofHeader, h, false
		}
	}

	// Parameter names carry payloads too ("?UNION+SELECT=1").
	for name, values := range r.URL.Query() {
		if vtype, pattern, ok := scanValue(name); !ok {
			return vtype, pattern, false
		}
		for _, v := range values {
			if vtype, pattern, ok := scanValue(v); !ok {
				return vtype, pattern, false
			}
		}
	}

	if mutating(r.Method) && r.Body != nil && r.Body != http.NoBody {
		buf, err := io.ReadAll(io.LimitReader(r.Body, f.cfg.MaxBodyScanBytes))
		if err != nil {
			f.logger.Warn().Err(err).Msg("body read failed during scan")
			return "", "", true
		}
		// Hand the handler back an intact body.
		r.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(buf), r.Body), r.Body}

		if vtype, pattern, ok := scanValue(string(buf)); !ok {
			return vtype, pattern, false
		}
	}

	return "", "", true
}

func scanValue(v string) (string, string, bool) {
	if name, hit := DetectSQLInjection(v); hit {
		return ViolationSQLInjection, name, false
	}
	if name, hit := DetectXSS(v); hit {
		return ViolationXSS, name, false
	}
	return "", "", true
}

func (f *Filter) originAllowed(origin string) bool {
	host := origin
	if u, err := url.Parse(origin); err == nil && u.Host != "" {
		host = u.Host
	}
	host = strings.ToLower(host)

	for _, allowed := range f.cfg.AllowedOrigins {
		allowed = strings.ToLower(allowed)
		if suffix, ok := strings.CutPrefix(allowed, "*."); ok {
			if host == suffix || strings.HasSuffix(host, "."+suffix) {
				return true
			}
			continue
		}
		if origin == allowed || host == allowed {
			return true
		}
	}
	return false
}

func (f *Filter) methodAllowed(method string) bool {
	for _, m := range f.cfg.AllowedMethods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// reject records the violation and answers 400, escalating to 429 once the
// client has burned its violation budget for the window. The escalation
// exists to slow down active probing.
func (f *Filter) reject(w http.ResponseWriter, r *http.Request, vtype, pattern string) {
	clientID := identity.ClientID(r)
	f.metrics.RecordSecurityViolation(vtype, r.URL.Path)
	f.logger.Warn().Str("client", clientID).Str("type", vtype).Str("pattern", pattern).
		Str("path", r.URL.Path).Msg("request rejected by security filter")

	throttled := false
	key := fmt.Sprintf("security:violations:%s:%s", clientID, vtype)
	count, err := f.store.IncrWithTTL(r.Context(), key, f.cfg.ViolationWindow)
	if err != nil {
		f.logger.Warn().Err(err).Msg("violation counter unavailable")
	} else if count > int64(f.cfg.ViolationBudget) {
		throttled = true
	}

	requestID := domain.RequestIDFromContext(r.Context())
	if throttled {
		domain.WriteError(w, http.StatusTooManyRequests, domain.ErrorResponse{
			Code:      domain.CodeSecurityThrottled,
			Message:   "too many rejected requests",
			RequestID: requestID,
		})
		return
	}
	domain.WriteError(w, http.StatusBadRequest, domain.ErrorResponse{
		Code:      domain.CodeSecurityViolation,
		Message:   "request rejected",
		RequestID: requestID,
		Details:   map[string]any{"violation_type": vtype},
	})
}
