package flags

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vesselhealth/vessel-control/pkg/domain"
	"github.com/vesselhealth/vessel-control/pkg/identity"
	"github.com/vesselhealth/vessel-control/pkg/store"
	"github.com/vesselhealth/vessel-control/pkg/telemetry"
)

const keyPrefix = "flags:"

// EvalContext carries the request attributes rules can target.
type EvalContext struct {
	UserID      string
	Email       string
	Environment string
}

// Config tunes the engine. Zero values get sensible defaults.
type Config struct {
	// Environment is this deployment's name, matched by environment rules.
	Environment string
	// CacheTTL bounds how stale a locally cached flag may be.
	CacheTTL time.Duration
	// StoreTTL bounds how long a flag definition lives in the store without
	// being rewritten.
	StoreTTL time.Duration
}

type cacheEntry struct {
	flag    Flag
	found   bool
	fetched time.Time
}

// Engine evaluates flags against a store-backed, TTL-refreshed local cache.
type Engine struct {
	store   store.CounterStore
	cfg     Config
	metrics *telemetry.Metrics
	logger  zerolog.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry

	now func() time.Time
}

// NewEngine creates a flag engine over the given store.
func NewEngine(st store.CounterStore, cfg Config, metrics *telemetry.Metrics, logger zerolog.Logger) *Engine {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	if cfg.StoreTTL <= 0 {
		cfg.StoreTTL = 24 * time.Hour
	}
	return &Engine{
		store:   st,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With().Str("component", "flags").Logger(),
		cache:   make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// IsEnabled reports whether the named flag is on for the given context.
// Unknown flags are off.
func (e *Engine) IsEnabled(ctx context.Context, name string, ec EvalContext) bool {
	if ec.Environment == "" {
		ec.Environment = e.cfg.Environment
	}

	result := false
	if flag, ok := e.lookup(ctx, name); ok {
		result = e.evaluate(flag, ec)
	}
	e.metrics.RecordFlagEvaluation(name, result)
	return result
}

func (e *Engine) evaluate(f Flag, ec EvalContext) bool {
	if !f.Enabled {
		return false
	}
	if len(f.Rules) == 0 {
		return f.DefaultValue
	}
	now := e.now()
	for _, rule := range f.Rules {
		if ruleMatches(rule, f.Name, ec, now) {
			return true
		}
	}
	return f.DefaultValue
}

func ruleMatches(r Rule, flagName string, ec EvalContext, now time.Time) bool {
	switch r.Type {
	case RuleBoolean:
		return r.Value
	case RulePercentage:
		if ec.UserID == "" {
			return false
		}
		return bucket(flagName, ec.UserID) < r.Percent
	case RuleUserList:
		for _, email := range r.Emails {
			if strings.EqualFold(email, ec.Email) && ec.Email != "" {
				return true
			}
		}
		return false
	case RuleEnvironment:
		for _, env := range r.Environments {
			if env == ec.Environment {
				return true
			}
		}
		return false
	case RuleTimeWindow:
		return !now.Before(r.Start) && !now.After(r.End)
	default:
		return false
	}
}

// bucket places a user in [0,100) deterministically. Salting the hash with
// the flag name keeps a user's buckets independent across flags.
func bucket(flagName, userID string) int {
	h := fnv.New32a()
	h.Write([]byte(flagName))
	h.Write([]byte(":"))
	h.Write([]byte(userID))
	return int(h.Sum32() % 100)
}

func (e *Engine) lookup(ctx context.Context, name string) (Flag, bool) {
	e.mu.RLock()
	entry, cached := e.cache[name]
	e.mu.RUnlock()
	if cached && e.now().Sub(entry.fetched) < e.cfg.CacheTTL {
		return entry.flag, entry.found
	}

	raw, found, err := e.store.Get(ctx, keyPrefix+name)
	if err != nil {
		// Serve stale rather than flip flags during a store outage.
		if cached {
			return entry.flag, entry.found
		}
		e.logger.Warn().Err(err).Str("flag", name).Msg("flag fetch failed with cold cache")
		return Flag{}, false
	}

	entry = cacheEntry{found: found, fetched: e.now()}
	if found {
		if err := json.Unmarshal([]byte(raw), &entry.flag); err != nil {
			e.logger.Error().Err(err).Str("flag", name).Msg("stored flag is not valid json")
			entry.found = false
		}
	}
	e.mu.Lock()
	e.cache[name] = entry
	e.mu.Unlock()
	return entry.flag, entry.found
}

// Get fetches one flag through the same cached lookup path the evaluator
// uses.
func (e *Engine) Get(ctx context.Context, name string) (Flag, bool) {
	return e.lookup(ctx, name)
}

// Create mints and persists a new flag. The name must be unused.
func (e *Engine) Create(ctx context.Context, f Flag) (Flag, error) {
	if err := f.Validate(); err != nil {
		return Flag{}, err
	}
	if _, exists := e.lookup(ctx, f.Name); exists {
		return Flag{}, fmt.Errorf("flags: flag %s already exists", f.Name)
	}
	now := e.now()
	f.ID = uuid.NewString()
	f.CreatedAt = now
	f.UpdatedAt = now
	if err := e.persist(ctx, f); err != nil {
		return Flag{}, err
	}
	e.logger.Info().Str("flag", f.Name).Bool("enabled", f.Enabled).Msg("flag created")
	return f, nil
}

// Update replaces an existing flag's definition, preserving its identity.
func (e *Engine) Update(ctx context.Context, name string, f Flag) (Flag, error) {
	f.Name = name
	if err := f.Validate(); err != nil {
		return Flag{}, err
	}
	current, exists := e.lookup(ctx, name)
	if !exists {
		return Flag{}, fmt.Errorf("flags: flag %s not found", name)
	}
	f.ID = current.ID
	f.CreatedAt = current.CreatedAt
	f.UpdatedAt = e.now()
	if err := e.persist(ctx, f); err != nil {
		return Flag{}, err
	}
	e.logger.Info().Str("flag", name).Bool("enabled", f.Enabled).Msg("flag updated")
	return f, nil
}

// Delete removes a flag from the store and the local cache.
func (e *Engine) Delete(ctx context.Context, name string) error {
	if _, exists := e.lookup(ctx, name); !exists {
		return fmt.Errorf("flags: flag %s not found", name)
	}
	if err := e.store.Delete(ctx, keyPrefix+name); err != nil {
		return fmt.Errorf("flags: delete %s: %w", name, err)
	}
	e.mu.Lock()
	delete(e.cache, name)
	e.mu.Unlock()
	e.logger.Info().Str("flag", name).Msg("flag deleted")
	return nil
}

// List returns every flag in the store, sorted by name.
func (e *Engine) List(ctx context.Context) ([]Flag, error) {
	keys, err := e.store.Keys(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("flags: list: %w", err)
	}
	out := make([]Flag, 0, len(keys))
	for _, key := range keys {
		if flag, ok := e.lookup(ctx, strings.TrimPrefix(key, keyPrefix)); ok {
			out = append(out, flag)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (e *Engine) persist(ctx context.Context, f Flag) error {
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("flags: encode %s: %w", f.Name, err)
	}
	if err := e.store.SetWithTTL(ctx, keyPrefix+f.Name, string(b), e.cfg.StoreTTL); err != nil {
		return fmt.Errorf("flags: persist %s: %w", f.Name, err)
	}
	e.mu.Lock()
	e.cache[f.Name] = cacheEntry{flag: f, found: true, fetched: e.now()}
	e.mu.Unlock()
	return nil
}

// Require guards a handler behind a flag. Denied requests get a 404 so the
// route's existence is not revealed while the feature is dark.
func (e *Engine) Require(name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ec := EvalContext{}
			if id, ok := identity.FromContext(r.Context()); ok {
				ec.UserID = id.UserID
				ec.Email = id.Email
			}
			if !e.IsEnabled(r.Context(), name, ec) {
				domain.WriteError(w, http.StatusNotFound, domain.ErrorResponse{
					Code:      domain.CodeFeatureDisabled,
					Message:   "not found",
					RequestID: domain.RequestIDFromContext(r.Context()),
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
