// Package latency instruments each utterance turn with a per-stage stopwatch
// and keeps a fixed-capacity ring of finalized samples for aggregate
// statistics against the pipeline's contractual targets.
package latency

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type Stage string

const (
	StageIntent Stage = "intent"
	StageSTT    Stage = "stt"
	StageLLM    Stage = "llm"
	StageTTS    Stage = "tts"
)

const (
	// FirstByteTargetMS is the contractual time-to-first-audio-byte target.
	FirstByteTargetMS = 150
	// E2ETargetMS is the contractual end-to-end turn target.
	E2ETargetMS = 600

	// DefaultRingSize is the sample ring capacity.
	DefaultRingSize = 1000
)

type span struct {
	start time.Time
	end   time.Time
}

// Trace brackets the stages of a single utterance turn. It is owned by one
// session goroutine and not safe for concurrent use.
type Trace struct {
	sessionID string
	tenantID  string
	start     time.Time
	firstByte time.Time
	stages    map[Stage]*span
	clock     func() time.Time
}

func NewTrace(sessionID, tenantID string) *Trace {
	t := &Trace{
		sessionID: sessionID,
		tenantID:  tenantID,
		stages:    make(map[Stage]*span),
		clock:     time.Now,
	}
	t.start = t.clock()
	return t
}

func (t *Trace) StartStage(s Stage) {
	t.stages[s] = &span{start: t.clock()}
}

func (t *Trace) EndStage(s Stage) {
	if sp, ok := t.stages[s]; ok && sp.end.IsZero() {
		sp.end = t.clock()
	}
}

// MarkFirstByte records time-to-first-audio-byte once; later calls are ignored.
func (t *Trace) MarkFirstByte() {
	if t.firstByte.IsZero() {
		t.firstByte = t.clock()
	}
}

// Sample is the immutable result of a finalized trace. Durations are in
// milliseconds.
type Sample struct {
	SessionID   string           `json:"session_id"`
	TenantID    string           `json:"tenant_id"`
	Stages      map[Stage]int64  `json:"stages"`
	TotalMS     int64            `json:"total_ms"`
	FirstByteMS int64            `json:"first_byte_ms"`
	At          time.Time        `json:"at"`
}

// Recorder holds the sample ring. All methods are safe for concurrent use.
type Recorder struct {
	log  *slog.Logger
	size int

	mu      sync.Mutex
	samples []Sample
	next    int
	full    bool

	clock     func() time.Time
	turnHist  metric.Int64Histogram
	stageHist metric.Int64Histogram
}

func NewRecorder(size int, log *slog.Logger) *Recorder {
	if size <= 0 {
		size = DefaultRingSize
	}
	r := &Recorder{
		log:     log.With(slog.String("component", "latency")),
		size:    size,
		samples: make([]Sample, size),
		clock:   time.Now,
	}
	meter := otel.Meter("github.com/smartflowcrm/voicecore/latency")
	if h, err := meter.Int64Histogram("voicecore.turn.total_ms",
		metric.WithDescription("End-to-end utterance turn latency")); err == nil {
		r.turnHist = h
	}
	if h, err := meter.Int64Histogram("voicecore.turn.stage_ms",
		metric.WithDescription("Per-stage utterance latency")); err == nil {
		r.stageHist = h
	}
	return r
}

// Finalize turns the trace into an immutable sample, pushes it into the ring
// (overwriting the oldest when full) and warns when the end-to-end target is
// missed.
func (r *Recorder) Finalize(t *Trace) Sample {
	now := t.clock()
	s := Sample{
		SessionID: t.sessionID,
		TenantID:  t.tenantID,
		Stages:    make(map[Stage]int64, len(t.stages)),
		TotalMS:   now.Sub(t.start).Milliseconds(),
		At:        now,
	}
	for stage, sp := range t.stages {
		end := sp.end
		if end.IsZero() {
			end = now
		}
		s.Stages[stage] = end.Sub(sp.start).Milliseconds()
	}
	if !t.firstByte.IsZero() {
		s.FirstByteMS = t.firstByte.Sub(t.start).Milliseconds()
	}

	r.mu.Lock()
	r.samples[r.next] = s
	r.next++
	if r.next == r.size {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()

	ctx := context.Background()
	if r.turnHist != nil {
		r.turnHist.Record(ctx, s.TotalMS, metric.WithAttributes(attribute.String("tenant", s.TenantID)))
	}
	if r.stageHist != nil {
		for stage, ms := range s.Stages {
			r.stageHist.Record(ctx, ms, metric.WithAttributes(attribute.String("stage", string(stage))))
		}
	}

	if s.TotalMS > E2ETargetMS {
		r.log.Warn("turn exceeded end-to-end target",
			slog.String("session_id", s.SessionID),
			slog.Int64("total_ms", s.TotalMS),
			slog.Int("target_ms", E2ETargetMS))
	}
	return s
}

// StageStats aggregates one stage (or the turn totals) in milliseconds.
type StageStats struct {
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

type TargetHitRate struct {
	FirstByte150MS float64 `json:"first_byte_150ms"`
	E2E600MS       float64 `json:"e2e_600ms"`
}

type Stats struct {
	Count         int                   `json:"count"`
	Total         StageStats            `json:"total"`
	Stages        map[Stage]StageStats  `json:"stages"`
	TargetHitRate TargetHitRate         `json:"target_hit_rate"`
}

// Stats aggregates samples newer than window. A zero window includes the
// whole ring.
func (r *Recorder) Stats(window time.Duration) Stats {
	cutoff := time.Time{}
	if window > 0 {
		cutoff = r.clock().Add(-window)
	}

	r.mu.Lock()
	count := r.next
	if r.full {
		count = r.size
	}
	selected := make([]Sample, 0, count)
	for i := 0; i < count; i++ {
		if r.samples[i].At.After(cutoff) || cutoff.IsZero() {
			selected = append(selected, r.samples[i])
		}
	}
	r.mu.Unlock()

	out := Stats{Count: len(selected), Stages: make(map[Stage]StageStats)}
	if len(selected) == 0 {
		return out
	}

	totals := make([]float64, 0, len(selected))
	perStage := make(map[Stage][]float64)
	var firstByteHits, e2eHits int
	for _, s := range selected {
		totals = append(totals, float64(s.TotalMS))
		for stage, ms := range s.Stages {
			perStage[stage] = append(perStage[stage], float64(ms))
		}
		if s.FirstByteMS > 0 && s.FirstByteMS <= FirstByteTargetMS {
			firstByteHits++
		}
		if s.TotalMS <= E2ETargetMS {
			e2eHits++
		}
	}
	out.Total = summarize(totals)
	for stage, values := range perStage {
		out.Stages[stage] = summarize(values)
	}
	out.TargetHitRate = TargetHitRate{
		FirstByte150MS: float64(firstByteHits) / float64(len(selected)),
		E2E600MS:       float64(e2eHits) / float64(len(selected)),
	}
	return out
}

func summarize(values []float64) StageStats {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return StageStats{
		Avg: sum / float64(len(sorted)),
		P50: percentile(sorted, 0.50),
		P95: percentile(sorted, 0.95),
		P99: percentile(sorted, 0.99),
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
	}
}

// percentile uses the nearest-rank method over a sorted slice.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(q*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
