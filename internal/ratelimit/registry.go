package ratelimit

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// Named targets used by the worker.
const (
	TargetParser     = "parser"
	TargetEmbeddings = "embeddings"
)

type targetDefaults struct {
	envVar string
	rpm    int
}

var knownTargets = map[string]targetDefaults{
	TargetParser:     {envVar: "PARSER_REQUESTS_PER_MINUTE", rpm: 60},
	TargetEmbeddings: {envVar: "EMBEDDING_REQUESTS_PER_MINUTE", rpm: 3000},
}

// ConfigFromEnv returns the algorithm and budget for target. Unknown targets
// read <TARGET>_REQUESTS_PER_MINUTE and default to 60.
func ConfigFromEnv(target string) (Algorithm, Settings) {
	def, ok := knownTargets[target]
	if !ok {
		def = targetDefaults{
			envVar: strings.ToUpper(target) + "_REQUESTS_PER_MINUTE",
			rpm:    60,
		}
	}

	s := Settings{RequestsPerMinute: def.rpm}
	if v, ok := os.LookupEnv(def.envVar); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			s.RequestsPerMinute = n
		} else {
			log.Warn().Str("env", def.envVar).Str("value", v).Msg("Ignoring invalid rate limit value")
		}
	}
	if v, ok := os.LookupEnv(strings.ToUpper(target) + "_BURST_SIZE"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			s.BurstSize = n
		}
	}

	alg := TokenBucketAlgorithm
	if v := os.Getenv("RATE_LIMIT_ALGORITHM"); v != "" {
		alg = Algorithm(strings.ToLower(v))
	}
	return alg, s
}

// Registry hands out one limiter per named target, created on first use.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]Limiter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{limiters: make(map[string]Limiter)}
}

// Get returns the limiter for target, creating it from the environment.
func (r *Registry) Get(target string) (Limiter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[target]; ok {
		return l, nil
	}

	alg, s := ConfigFromEnv(target)
	l, err := New(alg, s)
	if err != nil {
		return nil, fmt.Errorf("create %s limiter: %w", target, err)
	}
	r.limiters[target] = l

	log.Info().
		Str("target", target).
		Str("algorithm", string(alg)).
		Int("requests_per_minute", s.RequestsPerMinute).
		Msg("Rate limiter created")
	return l, nil
}

// Set installs l for target, replacing any existing limiter.
func (r *Registry) Set(target string, l Limiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiters[target] = l
}

// Snapshot returns the available capacity of every created limiter.
func (r *Registry) Snapshot() map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]float64, len(r.limiters))
	for name, l := range r.limiters {
		out[name] = l.AvailableRequests()
	}
	return out
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// ForTarget returns the process-wide limiter for target.
func ForTarget(target string) (Limiter, error) {
	return DefaultRegistry().Get(target)
}

// Parser returns the process-wide parser limiter.
func Parser() (Limiter, error) { return ForTarget(TargetParser) }

// Embeddings returns the process-wide embeddings limiter.
func Embeddings() (Limiter, error) { return ForTarget(TargetEmbeddings) }
