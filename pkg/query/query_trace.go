package query

import (
	"context"
	"slices"
	"sync"

	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/logger"
)

type TraceEventKind string

const (
	TraceEventConsideredReportIDs    TraceEventKind = "considered_report_ids"
	TraceEventUsedReportIDs          TraceEventKind = "used_report_ids"
	TraceEventQueriedEntityIDs       TraceEventKind = "queried_entity_ids"
	TraceEventQueriedRelationshipIDs TraceEventKind = "queried_relationship_ids"
	TraceEventUsedSourceIDs          TraceEventKind = "used_source_ids"

	TraceEventMapCall TraceEventKind = "map_call"
)

// TraceEvent is an extensible event envelope for query tracing.
// Additive changes to this struct are backward compatible for implementers.
type TraceEvent struct {
	Kind TraceEventKind

	IDs []string

	Batch      int
	Points     int
	DurationMs int64
	Error      string
}

// Tracer is a sink for query tracing events.
//
// Implementers can forward events to logs, telemetry, or custom post-processing
// pipelines. Map call events are recorded from concurrent goroutines.
type Tracer interface {
	Record(event TraceEvent)
}

// MultiTracer fan-outs trace events to multiple tracers.
type MultiTracer []Tracer

func (m MultiTracer) Record(event TraceEvent) {
	for _, t := range m {
		if t == nil {
			continue
		}
		t.Record(event)
	}
}

type traceKey struct{}

// WithTrace attaches t to ctx. Tracers already carried by ctx keep
// receiving events.
func WithTrace(ctx context.Context, t Tracer) context.Context {
	return context.WithValue(ctx, traceKey{}, TracerFor(ctx, t))
}

// TracerFor returns t combined with the tracer carried by ctx. Either may
// be nil.
func TracerFor(ctx context.Context, t Tracer) Tracer {
	carried, _ := ctx.Value(traceKey{}).(Tracer)
	switch {
	case carried == nil:
		return t
	case t == nil:
		return carried
	}
	return MultiTracer{t, carried}
}

// LogTracer writes every event to the debug log.
type LogTracer struct{}

func (LogTracer) Record(event TraceEvent) {
	if event.Kind == TraceEventMapCall {
		logger.Debug("[Trace] Map call",
			"batch", event.Batch,
			"points", event.Points,
			"duration_ms", event.DurationMs,
			"error", event.Error,
		)
		return
	}
	logger.Debug("[Trace] "+string(event.Kind), "count", len(event.IDs))
}

func recordIDs(t Tracer, kind TraceEventKind, ids []string) {
	if t == nil || len(ids) == 0 {
		return
	}
	t.Record(TraceEvent{Kind: kind, IDs: ids})
}

func RecordConsideredReportIDs(t Tracer, ids ...string) {
	recordIDs(t, TraceEventConsideredReportIDs, ids)
}

func RecordUsedReportIDs(t Tracer, ids ...string) {
	recordIDs(t, TraceEventUsedReportIDs, ids)
}

func RecordQueriedEntityIDs(t Tracer, ids ...string) {
	recordIDs(t, TraceEventQueriedEntityIDs, ids)
}

func RecordQueriedRelationshipIDs(t Tracer, ids ...string) {
	recordIDs(t, TraceEventQueriedRelationshipIDs, ids)
}

func RecordUsedSourceIDs(t Tracer, ids ...string) {
	recordIDs(t, TraceEventUsedSourceIDs, ids)
}

func RecordMapCall(t Tracer, batch, points int, durationMs int64, err error) {
	if t == nil {
		return
	}
	ev := TraceEvent{Kind: TraceEventMapCall, Batch: batch, Points: points, DurationMs: durationMs}
	if err != nil {
		ev.Error = err.Error()
	}
	t.Record(ev)
}

// QueryTrace collects which corpus records were considered and used while
// answering a query.
//
// QueryTrace is safe for concurrent use.
type QueryTrace struct {
	mu sync.Mutex

	considered    map[string]struct{}
	usedReports   map[string]struct{}
	entities      map[string]struct{}
	relationships map[string]struct{}
	sources       map[string]struct{}
	mapCalls      int
	mapFailures   int
}

type QueryTraceSnapshot struct {
	ConsideredReportIDs    []string `json:"considered_report_ids"`
	UsedReportIDs          []string `json:"used_report_ids"`
	QueriedEntityIDs       []string `json:"queried_entity_ids"`
	QueriedRelationshipIDs []string `json:"queried_relationship_ids"`
	UsedSourceIDs          []string `json:"used_source_ids"`
	MapCalls               int      `json:"map_calls"`
	MapFailures            int      `json:"map_failures"`
}

func NewQueryTrace() *QueryTrace {
	return &QueryTrace{
		considered:    make(map[string]struct{}),
		usedReports:   make(map[string]struct{}),
		entities:      make(map[string]struct{}),
		relationships: make(map[string]struct{}),
		sources:       make(map[string]struct{}),
	}
}

func (t *QueryTrace) Record(event TraceEvent) {
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var set map[string]struct{}
	switch event.Kind {
	case TraceEventConsideredReportIDs:
		set = t.considered
	case TraceEventUsedReportIDs:
		set = t.usedReports
	case TraceEventQueriedEntityIDs:
		set = t.entities
	case TraceEventQueriedRelationshipIDs:
		set = t.relationships
	case TraceEventUsedSourceIDs:
		set = t.sources
	case TraceEventMapCall:
		t.mapCalls++
		if event.Error != "" {
			t.mapFailures++
		}
		return
	default:
		return
	}
	for _, id := range event.IDs {
		if id == "" {
			continue
		}
		set[id] = struct{}{}
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

func (t *QueryTrace) Snapshot() QueryTraceSnapshot {
	if t == nil {
		return QueryTraceSnapshot{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	return QueryTraceSnapshot{
		ConsideredReportIDs:    sortedKeys(t.considered),
		UsedReportIDs:          sortedKeys(t.usedReports),
		QueriedEntityIDs:       sortedKeys(t.entities),
		QueriedRelationshipIDs: sortedKeys(t.relationships),
		UsedSourceIDs:          sortedKeys(t.sources),
		MapCalls:               t.mapCalls,
		MapFailures:            t.mapFailures,
	}
}
