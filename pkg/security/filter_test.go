package security

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vesselhealth/vessel-control/pkg/domain"
	"github.com/vesselhealth/vessel-control/pkg/store"
)

func newTestFilter(t *testing.T, cfg FilterConfig) *Filter {
	t.Helper()
	return NewFilter(cfg, store.NewMemoryStore(), nil, zerolog.Nop())
}

func serve(f *Filter, req *http.Request, next http.HandlerFunc) *httptest.ResponseRecorder {
	if next == nil {
		next = func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }
	}
	rec := httptest.NewRecorder()
	f.Middleware(next).ServeHTTP(rec, req)
	return rec
}

func TestFilterAllowsCleanRequest(t *testing.T) {
	f := newTestFilter(t, FilterConfig{
		AllowedOrigins: []string{"https://app.vessel.health"},
		AllowedMethods: []string{"GET", "POST"},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/records?patient=42", nil)
	req.Header.Set("Origin", "https://app.vessel.health")
	rec := serve(f, req, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestFilterOriginAllowList(t *testing.T) {
	f := newTestFilter(t, FilterConfig{
		AllowedOrigins: []string{"https://app.vessel.health", "*.vessel.health"},
	})

	for _, origin := range []string{
		"https://app.vessel.health",
		"https://staging.vessel.health",
		"https://deep.sub.vessel.health",
	} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", origin)
		assert.Equal(t, http.StatusOK, serve(f, req, nil).Code, "origin %s", origin)
	}

	for _, origin := range []string{
		"https://evil.example.com",
		"https://vessel.health.evil.com",
	} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", origin)
		rec := serve(f, req, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "origin %s", origin)

		var body domain.ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, domain.CodeSecurityViolation, body.Code)
		assert.Equal(t, ViolationOrigin, body.Details["violation_type"])
	}

	// No Origin header skips the check entirely.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, serve(f, req, nil).Code)
}

func TestFilterMethodAllowList(t *testing.T) {
	f := newTestFilter(t, FilterConfig{AllowedMethods: []string{"GET", "POST"}})

	req := httptest.NewRequest(http.MethodTrace, "/", nil)
	assert.Equal(t, http.StatusBadRequest, serve(f, req, nil).Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, serve(f, req, nil).Code)
}

func TestFilterRejectsSpoofHeaders(t *testing.T) {
	f := newTestFilter(t, FilterConfig{})

	for _, h := range []string{"X-Original-URL", "X-Rewrite-URL"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(h, "/admin")
		rec := serve(f, req, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "header %s", h)
	}
}

func TestFilterScansQueryParams(t *testing.T) {
	f := newTestFilter(t, FilterConfig{})

	req := httptest.NewRequest(http.MethodGet, "/search?q=1+OR+1%3D1", nil)
	rec := serve(f, req, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body domain.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, ViolationSQLInjection, body.Details["violation_type"])

	req = httptest.NewRequest(http.MethodGet, "/search?q=%3Cscript%3Ealert(1)%3C%2Fscript%3E", nil)
	rec = serve(f, req, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/search?q=John+O%27Brien", nil)
	assert.Equal(t, http.StatusOK, serve(f, req, nil).Code)
}

func TestFilterScansQueryParamNames(t *testing.T) {
	f := newTestFilter(t, FilterConfig{})

	// The payload rides in the parameter name, the value is innocuous.
	req := httptest.NewRequest(http.MethodGet, "/search?UNION+SELECT+password+FROM+users=1", nil)
	rec := serve(f, req, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body domain.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, ViolationSQLInjection, body.Details["violation_type"])

	req = httptest.NewRequest(http.MethodGet, "/search?%3Cscript%3Ealert(1)%3C%2Fscript%3E=x", nil)
	assert.Equal(t, http.StatusBadRequest, serve(f, req, nil).Code)

	// Ordinary names keep working.
	req = httptest.NewRequest(http.MethodGet, "/search?patient_order=asc", nil)
	assert.Equal(t, http.StatusOK, serve(f, req, nil).Code)
}

func TestFilterScansMutatingBodyAndRestoresIt(t *testing.T) {
	f := newTestFilter(t, FilterConfig{})

	req := httptest.NewRequest(http.MethodPost, "/notes",
		strings.NewReader(`{"note":"'; DROP TABLE users;"}`))
	assert.Equal(t, http.StatusBadRequest, serve(f, req, nil).Code)

	// A clean body reaches the handler intact after the scan.
	const payload = `{"note":"patient reports improvement"}`
	req = httptest.NewRequest(http.MethodPost, "/notes", strings.NewReader(payload))
	var seen string
	rec := serve(f, req, func(w http.ResponseWriter, r *http.Request) {
		b, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		seen = string(b)
		w.WriteHeader(http.StatusOK)
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, payload, seen)

	// GET bodies are not scanned.
	req = httptest.NewRequest(http.MethodGet, "/notes", strings.NewReader("UNION SELECT"))
	assert.Equal(t, http.StatusOK, serve(f, req, nil).Code)
}

func TestFilterThrottlesRepeatOffenders(t *testing.T) {
	f := newTestFilter(t, FilterConfig{ViolationBudget: 5})

	codes := make([]int, 0, 7)
	for i := 0; i < 7; i++ {
		req := httptest.NewRequest(http.MethodGet, "/search?q=UNION+SELECT", nil)
		req.RemoteAddr = "203.0.113.9:4411"
		codes = append(codes, serve(f, req, nil).Code)
	}
	assert.Equal(t, []int{400, 400, 400, 400, 400, 429, 429}, codes)

	// A different client still gets the plain 400.
	req := httptest.NewRequest(http.MethodGet, "/search?q=UNION+SELECT", nil)
	req.RemoteAddr = "198.51.100.2:4411"
	rec := serve(f, req, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body domain.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, domain.CodeSecurityViolation, body.Code)
}
