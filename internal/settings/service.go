// Package settings serves runtime configuration through a hot cache, the
// durable store, a last-known-good copy and hardcoded defaults, in that
// order. Reads never fail.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/ndvalle/mostrador/internal/events"
	"github.com/rs/zerolog"
)

// ErrUnknownKey is returned by Set for keys outside AllKeys.
var ErrUnknownKey = errors.New("settings: unknown key")

// ErrInvalidValue is returned by Set when the value does not decode or
// fails validation.
var ErrInvalidValue = errors.New("settings: invalid value")

// Source records where the last read of a key was served from.
type Source string

const (
	SourceCache         Source = "cache"
	SourceStore         Source = "store"
	SourceLastKnownGood Source = "last_known_good"
	SourceDefault       Source = "default"
)

// Health statuses.
const (
	Healthy   = "healthy"
	Degraded  = "degraded"
	Unhealthy = "unhealthy"
)

// degradedErrorThreshold is the error count above which the service reports
// itself degraded even when the store answers.
const degradedErrorThreshold = 10

// Counters tallies cache outcomes.
type Counters struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Fallbacks uint64 `json:"fallbacks"`
	Errors    uint64 `json:"errors"`
}

func (c *Counters) add(o Counters) {
	c.Hits += o.Hits
	c.Misses += o.Misses
	c.Fallbacks += o.Fallbacks
	c.Errors += o.Errors
}

// Metrics is a snapshot of the counters.
type Metrics struct {
	Total  Counters         `json:"total"`
	PerKey map[Key]Counters `json:"per_key"`
}

type keyState struct {
	counters Counters
	source   Source
	degraded bool // last read fell back because the store failed
}

// Service is the configuration cache. Construct it once and pass it to
// every component that reads settings.
type Service struct {
	store    Store
	hot      HotCache
	log      zerolog.Logger
	events   *events.Emitter
	validate *validator.Validate

	mu       sync.Mutex
	lastGood map[Key]json.RawMessage
	state    map[Key]*keyState
}

// Opts holds parameters for creating a Service.
type Opts struct {
	Store  Store
	Hot    HotCache        // defaults to an in-process MemoryCache
	Log    *zerolog.Logger // defaults to zerolog.Nop()
	Events *events.Emitter // optional
}

// New creates a Service.
func New(opts Opts) (*Service, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("settings: store is required")
	}
	hot := opts.Hot
	if hot == nil {
		hot = NewMemoryCache(nil)
	}
	log := zerolog.Nop()
	if opts.Log != nil {
		log = *opts.Log
	}
	return &Service{
		store:    opts.Store,
		hot:      hot,
		log:      log,
		events:   opts.Events,
		validate: validator.New(),
		lastGood: make(map[Key]json.RawMessage),
		state:    make(map[Key]*keyState),
	}, nil
}

func (s *Service) stateFor(key Key) *keyState {
	st, ok := s.state[key]
	if !ok {
		st = &keyState{}
		s.state[key] = st
	}
	return st
}

func (s *Service) record(key Key, fn func(st *keyState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.stateFor(key))
}

// Get returns the current value of key. It never fails: when the store is
// unreachable the last value read successfully is served, and failing that
// the hardcoded default.
func (s *Service) Get(ctx context.Context, key Key) json.RawMessage {
	value, ok, err := s.hot.Get(ctx, key)
	if err != nil {
		s.log.Warn().Err(err).Str("key", string(key)).Msg("settings hot cache read failed")
		s.record(key, func(st *keyState) { st.counters.Errors++ })
	}
	if ok {
		s.record(key, func(st *keyState) {
			st.counters.Hits++
			st.source = SourceCache
			st.degraded = false
		})
		return value
	}
	s.record(key, func(st *keyState) { st.counters.Misses++ })

	value, found, err := s.store.Load(ctx, key)
	if err == nil && found && !json.Valid(value) {
		err = fmt.Errorf("settings: stored value for %s is not valid JSON", key)
	}
	if err != nil {
		s.log.Error().Err(err).Str("key", string(key)).Msg("settings store read failed")
		return s.fallback(key)
	}
	if !found {
		value = Default(key)
		s.record(key, func(st *keyState) {
			st.source = SourceDefault
			st.degraded = false
		})
	} else {
		s.mu.Lock()
		s.lastGood[key] = value
		st := s.stateFor(key)
		st.source = SourceStore
		st.degraded = false
		s.mu.Unlock()
	}
	if err := s.hot.Set(ctx, key, value, TTL(key)); err != nil {
		s.log.Warn().Err(err).Str("key", string(key)).Msg("settings hot cache write failed")
	}
	return value
}

func (s *Service) fallback(key Key) json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateFor(key)
	st.counters.Errors++
	st.counters.Fallbacks++
	st.degraded = true
	if v, ok := s.lastGood[key]; ok {
		st.source = SourceLastKnownGood
		return v
	}
	st.source = SourceDefault
	return Default(key)
}

// decode unmarshals raw over the key's defaults into dst. A value that
// does not decode leaves dst at its defaults.
func (s *Service) decode(key Key, raw json.RawMessage, dst any) {
	if err := json.Unmarshal(raw, dst); err != nil {
		s.log.Error().Err(err).Str("key", string(key)).Msg("settings value does not decode, using default")
		_ = json.Unmarshal(Default(key), dst)
	}
}

// Models returns the model selection.
func (s *Service) Models(ctx context.Context) ModelsConfig {
	cfg := DefaultModels()
	s.decode(KeyModels, s.Get(ctx, KeyModels), &cfg)
	return cfg
}

// Prompts returns the prompt set.
func (s *Service) Prompts(ctx context.Context) PromptsConfig {
	cfg := DefaultPrompts()
	s.decode(KeyPrompts, s.Get(ctx, KeyPrompts), &cfg)
	return cfg
}

// Tools returns the callable-tool set.
func (s *Service) Tools(ctx context.Context) ToolsConfig {
	cfg := ToolsConfig{}
	s.decode(KeyTools, s.Get(ctx, KeyTools), &cfg)
	return cfg
}

// Bot returns the bot toggles.
func (s *Service) Bot(ctx context.Context) BotConfig {
	cfg := DefaultBot()
	s.decode(KeyBot, s.Get(ctx, KeyBot), &cfg)
	return cfg
}

// Context returns the context enrichment rules.
func (s *Service) Context(ctx context.Context) ContextConfig {
	cfg := DefaultContext()
	s.decode(KeyContext, s.Get(ctx, KeyContext), &cfg)
	return cfg
}

// Set validates and writes a value, invalidates the hot entry and appends
// an audit record. Audit failures are logged, not returned.
func (s *Service) Set(ctx context.Context, key Key, value json.RawMessage, by string) error {
	if !Known(key) {
		return fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	dst := target(key)
	if err := json.Unmarshal(value, dst); err != nil {
		return fmt.Errorf("%w for %s: %v", ErrInvalidValue, key, err)
	}
	if err := s.validate.Struct(dst); err != nil {
		return fmt.Errorf("%w for %s: %v", ErrInvalidValue, key, err)
	}

	old, err := s.store.Save(ctx, key, value, by)
	if err != nil {
		return err
	}
	if err := s.hot.Delete(ctx, key); err != nil {
		s.log.Warn().Err(err).Str("key", string(key)).Msg("settings invalidate after write failed")
	}
	s.mu.Lock()
	s.lastGood[key] = value
	s.mu.Unlock()

	if err := s.store.Audit(ctx, key, old, value, by); err != nil {
		s.log.Error().Err(err).Str("key", string(key)).Str("by", by).Msg("settings audit write failed")
	}
	s.events.Publish(events.SettingsUpdated, 0, map[string]any{"key": string(key), "by": by})
	s.log.Info().Str("key", string(key)).Str("by", by).Msg("settings updated")
	return nil
}

// Invalidate drops the hot entry for key.
func (s *Service) Invalidate(ctx context.Context, key Key) error {
	if err := s.hot.Delete(ctx, key); err != nil {
		return fmt.Errorf("settings: invalidate %s: %w", key, err)
	}
	return nil
}

// InvalidateAll drops every hot entry.
func (s *Service) InvalidateAll(ctx context.Context) error {
	if err := s.hot.Delete(ctx, AllKeys...); err != nil {
		return fmt.Errorf("settings: invalidate all: %w", err)
	}
	return nil
}

// Metrics returns a snapshot of the cache counters.
func (s *Service) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := Metrics{PerKey: make(map[Key]Counters, len(s.state))}
	for k, st := range s.state {
		m.PerKey[k] = st.counters
		m.Total.add(st.counters)
	}
	return m
}

// KeyHealth describes how a key is currently being served.
type KeyHealth struct {
	Source   Source `json:"source"`
	Degraded bool   `json:"degraded"`
}

// HealthReport is the result of Health.
type HealthReport struct {
	Status     string            `json:"status"`
	StoreOK    bool              `json:"store_ok"`
	StoreError string            `json:"store_error,omitempty"`
	Metrics    Metrics           `json:"metrics"`
	Keys       map[Key]KeyHealth `json:"keys"`
}

// Health checks the store and summarizes how each key is being served.
// The service is unhealthy when the store is down and some key has no
// last-known-good value, degraded when any key is served from a fallback.
func (s *Service) Health(ctx context.Context) HealthReport {
	report := HealthReport{Status: Healthy, StoreOK: true, Keys: make(map[Key]KeyHealth, len(AllKeys))}
	if err := s.store.Ping(ctx); err != nil {
		report.StoreOK = false
		report.StoreError = err.Error()
		report.Status = Degraded
	}

	s.mu.Lock()
	missingGood := false
	for _, k := range AllKeys {
		kh := KeyHealth{Source: SourceDefault}
		if st, ok := s.state[k]; ok && st.source != "" {
			kh = KeyHealth{Source: st.source, Degraded: st.degraded}
		}
		if _, ok := s.lastGood[k]; !ok {
			missingGood = true
		}
		if kh.Degraded {
			report.Status = Degraded
		}
		report.Keys[k] = kh
	}
	s.mu.Unlock()

	report.Metrics = s.Metrics()
	if report.Metrics.Total.Errors > degradedErrorThreshold && report.Status == Healthy {
		report.Status = Degraded
	}
	if !report.StoreOK && missingGood {
		report.Status = Unhealthy
	}
	return report
}
