// Package monitor observes goroutines, OS threads, registered semaphores and
// connection pools, raising alerts when they cross configured thresholds.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/pprof"
	"sort"
	"sync"
	"time"

	"github.com/Harvey-AU/docpipe/internal/db"
	"github.com/prometheus/procfs"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SemaphoreProbe is satisfied by concurrency.Semaphore.
type SemaphoreProbe interface {
	Available() int
}

// PoolProbe is satisfied by db.PoolManager.
type PoolProbe interface {
	GetPoolStatus() db.PoolStatus
}

// Thresholds mixes a fractional limit for semaphores with absolute limits for
// pool size and thread count, which have no natural capacity to divide by.
type Thresholds struct {
	SemaphoreUsage float64 // alert when held/limit >= this
	PoolSize       int     // alert when a pool's size > this
	ThreadCount    int     // alert when OS threads > this
}

// Config configures a Monitor.
type Config struct {
	Thresholds  Thresholds
	HistorySize int
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		Thresholds: Thresholds{
			SemaphoreUsage: 0.8,
			PoolSize:       50,
			ThreadCount:    100,
		},
		HistorySize: 100,
	}
}

// ResourceMetrics is one snapshot. It is not modified after creation.
type ResourceMetrics struct {
	Timestamp           time.Time      `json:"timestamp"`
	ActiveTasks         int            `json:"active_tasks"`
	SemaphoreUsage      map[string]int `json:"semaphore_usage"`
	ConnectionPoolUsage map[string]int `json:"connection_pool_usage"`
	ThreadCount         int            `json:"thread_count"`
}

// Alert describes one threshold crossing.
type Alert struct {
	Resource  string  `json:"resource"`
	Kind      string  `json:"kind"` // semaphore, pool or threads
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
}

func (a Alert) String() string {
	return fmt.Sprintf("%s %s at %.2f (threshold %.2f)", a.Kind, a.Resource, a.Value, a.Threshold)
}

// AlertSink receives alerts, e.g. a Slack notifier.
type AlertSink interface {
	ResourceAlert(ctx context.Context, a Alert)
}

// AlertSinkFunc adapts a function to AlertSink.
type AlertSinkFunc func(ctx context.Context, a Alert)

func (f AlertSinkFunc) ResourceAlert(ctx context.Context, a Alert) { f(ctx, a) }

// Recorder exports snapshots and alerts as metrics.
type Recorder interface {
	RecordResourceSnapshot(ctx context.Context, m ResourceMetrics)
	RecordResourceAlert(ctx context.Context, a Alert)
}

type semaphoreEntry struct {
	probe SemaphoreProbe
	limit int
}

// Monitor is safe for concurrent use. Registration is add-or-replace; there
// is no unregister.
type Monitor struct {
	cfg     Config
	started time.Time

	regMu      sync.RWMutex
	semaphores map[string]semaphoreEntry
	pools      map[string]PoolProbe

	histMu      sync.Mutex
	history     []ResourceMetrics
	alertCounts map[string]int

	sink     AlertSink
	recorder Recorder

	now         func() time.Time
	activeTasks func() int
	threadCount func() (int, error)
}

// Option customises a Monitor.
type Option func(*Monitor)

// WithAlertSink forwards alerts to sink.
func WithAlertSink(sink AlertSink) Option { return func(m *Monitor) { m.sink = sink } }

// WithRecorder exports snapshots through r.
func WithRecorder(r Recorder) Option { return func(m *Monitor) { m.recorder = r } }

// New creates a Monitor.
func New(cfg Config, opts ...Option) *Monitor {
	def := DefaultConfig()
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.Thresholds.SemaphoreUsage <= 0 {
		cfg.Thresholds.SemaphoreUsage = def.Thresholds.SemaphoreUsage
	}
	if cfg.Thresholds.PoolSize <= 0 {
		cfg.Thresholds.PoolSize = def.Thresholds.PoolSize
	}
	if cfg.Thresholds.ThreadCount <= 0 {
		cfg.Thresholds.ThreadCount = def.Thresholds.ThreadCount
	}

	m := &Monitor{
		cfg:         cfg,
		started:     time.Now(),
		semaphores:  make(map[string]semaphoreEntry),
		pools:       make(map[string]PoolProbe),
		alertCounts: make(map[string]int),
		now:         time.Now,
		activeTasks: runtime.NumGoroutine,
		threadCount: osThreadCount,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var (
	defaultMonitor     *Monitor
	defaultMonitorOnce sync.Once
)

// Default returns the process-wide monitor. Prefer passing a Monitor explicitly.
func Default() *Monitor {
	defaultMonitorOnce.Do(func() {
		defaultMonitor = New(DefaultConfig())
	})
	return defaultMonitor
}

// RegisterSemaphore tracks sem, replacing any semaphore with the same name.
func (m *Monitor) RegisterSemaphore(name string, sem SemaphoreProbe, limit int) {
	m.regMu.Lock()
	defer m.regMu.Unlock()
	m.semaphores[name] = semaphoreEntry{probe: sem, limit: limit}
	log.Debug().Str("semaphore", name).Int("limit", limit).Msg("Semaphore registered with monitor")
}

// RegisterConnectionPool tracks pool, replacing any pool with the same name.
func (m *Monitor) RegisterConnectionPool(name string, pool PoolProbe) {
	m.regMu.Lock()
	defer m.regMu.Unlock()
	m.pools[name] = pool
	log.Debug().Str("pool", name).Msg("Connection pool registered with monitor")
}

// CurrentMetrics takes a snapshot. It never panics; a failing probe yields a
// zeroed snapshot.
func (m *Monitor) CurrentMetrics() (snapshot ResourceMetrics) {
	ts := m.now()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Resource probe panicked, returning empty metrics")
			snapshot = emptyMetrics(ts)
		}
	}()

	threads, err := m.threadCount()
	if err != nil {
		log.Debug().Err(err).Msg("Failed to read thread count, returning empty metrics")
		return emptyMetrics(ts)
	}

	m.regMu.RLock()
	defer m.regMu.RUnlock()

	semUsage := make(map[string]int, len(m.semaphores))
	for name, e := range m.semaphores {
		semUsage[name] = e.limit - e.probe.Available()
	}
	poolUsage := make(map[string]int, len(m.pools))
	for name, p := range m.pools {
		poolUsage[name] = p.GetPoolStatus().Size
	}

	return ResourceMetrics{
		Timestamp:           ts,
		ActiveTasks:         m.activeTasks(),
		SemaphoreUsage:      semUsage,
		ConnectionPoolUsage: poolUsage,
		ThreadCount:         threads,
	}
}

func emptyMetrics(ts time.Time) ResourceMetrics {
	return ResourceMetrics{
		Timestamp:           ts,
		SemaphoreUsage:      map[string]int{},
		ConnectionPoolUsage: map[string]int{},
	}
}

// CheckResourceUsage snapshots, raises alerts for crossed thresholds and
// appends the snapshot to the bounded history. It returns the alerts raised.
func (m *Monitor) CheckResourceUsage(ctx context.Context) []Alert {
	snap := m.CurrentMetrics()
	th := m.cfg.Thresholds

	m.regMu.RLock()
	limits := make(map[string]int, len(m.semaphores))
	for name, e := range m.semaphores {
		limits[name] = e.limit
	}
	m.regMu.RUnlock()

	var alerts []Alert
	for _, name := range sortedKeys(snap.SemaphoreUsage) {
		limit := limits[name]
		if limit <= 0 {
			continue
		}
		frac := float64(snap.SemaphoreUsage[name]) / float64(limit)
		if frac >= th.SemaphoreUsage {
			alerts = append(alerts, Alert{Resource: name, Kind: "semaphore", Value: frac, Threshold: th.SemaphoreUsage})
		}
	}
	for _, name := range sortedKeys(snap.ConnectionPoolUsage) {
		if size := snap.ConnectionPoolUsage[name]; size > th.PoolSize {
			alerts = append(alerts, Alert{Resource: name, Kind: "pool", Value: float64(size), Threshold: float64(th.PoolSize)})
		}
	}
	if snap.ThreadCount > th.ThreadCount {
		alerts = append(alerts, Alert{Resource: "os_threads", Kind: "threads", Value: float64(snap.ThreadCount), Threshold: float64(th.ThreadCount)})
	}

	m.histMu.Lock()
	for _, a := range alerts {
		m.alertCounts[a.Resource]++
	}
	m.history = append(m.history, snap)
	if over := len(m.history) - m.cfg.HistorySize; over > 0 {
		m.history = append(m.history[:0:0], m.history[over:]...)
	}
	m.histMu.Unlock()

	for _, a := range alerts {
		log.Warn().
			Str("resource", a.Resource).
			Str("kind", a.Kind).
			Float64("value", a.Value).
			Float64("threshold", a.Threshold).
			Msg("Resource usage above threshold")
		if m.sink != nil {
			m.sink.ResourceAlert(ctx, a)
		}
		if m.recorder != nil {
			m.recorder.RecordResourceAlert(ctx, a)
		}
	}
	if m.recorder != nil {
		m.recorder.RecordResourceSnapshot(ctx, snap)
	}
	return alerts
}

// History returns a copy of the retained snapshots, oldest first.
func (m *Monitor) History() []ResourceMetrics {
	m.histMu.Lock()
	defer m.histMu.Unlock()
	out := make([]ResourceMetrics, len(m.history))
	copy(out, m.history)
	return out
}

// AlertCounts returns cumulative alerts per resource.
func (m *Monitor) AlertCounts() map[string]int {
	m.histMu.Lock()
	defer m.histMu.Unlock()
	out := make(map[string]int, len(m.alertCounts))
	for k, v := range m.alertCounts {
		out[k] = v
	}
	return out
}

// LogStatus writes the current state to the log.
func (m *Monitor) LogStatus() {
	snap := m.CurrentMetrics()

	log.Info().
		Dur("uptime", m.now().Sub(m.started)).
		Int("active_tasks", snap.ActiveTasks).
		Int("thread_count", snap.ThreadCount).
		Dict("semaphores", dictFrom(snap.SemaphoreUsage)).
		Dict("pools", dictFrom(snap.ConnectionPoolUsage)).
		Dict("alerts", dictFrom(m.AlertCounts())).
		Msg("Concurrency status")
}

// Start checks resource usage every interval until ctx is done. A failing
// tick is logged and the loop continues.
func (m *Monitor) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	log.Info().Dur("interval", interval).Msg("Starting resource monitor")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Resource monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Resource monitor tick failed")
		}
	}()
	m.CheckResourceUsage(ctx)
}

// summaryWindow is the number of recent snapshots averaged by SummaryStats.
const summaryWindow = 10

// Summary statuses.
const (
	SummaryOK        = "ok"
	SummaryNoMetrics = "no_metrics"
)

// Summary aggregates recent history.
type Summary struct {
	Status               string         `json:"status"`
	Uptime               string         `json:"uptime,omitempty"`
	Samples              int            `json:"samples,omitempty"`
	AvgActiveTasks       float64        `json:"avg_active_tasks,omitempty"`
	AvgThreadCount       float64        `json:"avg_thread_count,omitempty"`
	TotalAlerts          int            `json:"total_alerts"`
	AlertCounts          map[string]int `json:"alert_counts,omitempty"`
	RegisteredSemaphores int            `json:"registered_semaphores"`
	RegisteredPools      int            `json:"registered_pools"`
}

// SummaryStats averages the most recent snapshots.
func (m *Monitor) SummaryStats() Summary {
	m.regMu.RLock()
	sems, pools := len(m.semaphores), len(m.pools)
	m.regMu.RUnlock()

	m.histMu.Lock()
	defer m.histMu.Unlock()

	if len(m.history) == 0 {
		return Summary{Status: SummaryNoMetrics, RegisteredSemaphores: sems, RegisteredPools: pools}
	}

	recent := m.history
	if len(recent) > summaryWindow {
		recent = recent[len(recent)-summaryWindow:]
	}
	var tasks, threads int
	for _, s := range recent {
		tasks += s.ActiveTasks
		threads += s.ThreadCount
	}

	total := 0
	counts := make(map[string]int, len(m.alertCounts))
	for k, v := range m.alertCounts {
		total += v
		counts[k] = v
	}

	return Summary{
		Status:               SummaryOK,
		Uptime:               m.now().Sub(m.started).Round(time.Second).String(),
		Samples:              len(recent),
		AvgActiveTasks:       float64(tasks) / float64(len(recent)),
		AvgThreadCount:       float64(threads) / float64(len(recent)),
		TotalAlerts:          total,
		AlertCounts:          counts,
		RegisteredSemaphores: sems,
		RegisteredPools:      pools,
	}
}

// osThreadCount reads the thread count from /proc, falling back to the
// runtime's thread creation profile on systems without procfs.
func osThreadCount() (int, error) {
	if p, err := procfs.Self(); err == nil {
		if stat, err := p.Stat(); err == nil {
			return stat.NumThreads, nil
		}
	}
	if prof := pprof.Lookup("threadcreate"); prof != nil {
		return prof.Count(), nil
	}
	return 0, errors.New("thread count unavailable")
}

func dictFrom(m map[string]int) *zerolog.Event {
	d := zerolog.Dict()
	for _, k := range sortedKeys(m) {
		d.Int(k, m[k])
	}
	return d
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
