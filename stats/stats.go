// Package stats implements the trace/stat sink of spec.md §4.9/§6 (C9): a
// formatted, category-masked event stream (TRACEFILE/TRACEMASK) plus a
// parallel counters sink (STATSFILE/STATSMASK), dual-backed by a
// json-iterator-encoded record stream and Prometheus-exported gauges —
// exactly the dual JSON/Prometheus sink aistore's own `stats` package
// maintains for its own counters (one human/offline-readable stream, one
// scrape-friendly live one).
package stats

import (
	"io"
	"os"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pgas-rt/gasnet-ibv/cmn/nlog"
)

// Category is the bitmask spec.md §6 calls TRACEMASK/STATSMASK: tracing
// (and counting) is enabled per-category rather than all-or-nothing. The
// bit layout is internal; on the wire (TRACEMASK/STATSMASK env values) a
// Category set is the single-letter string ParseMask/letters accept,
// grounded on gasnet_trace.c's gasneti_tracetypes[256] char array keyed by
// category letter rather than a packed integer.
type Category uint32

const (
	CatAM Category = 1 << iota
	CatPut
	CatGet
	CatMemset
	CatFirehose
	CatBarrier
	CatConn
	// CatUser is gasnet_trace.c's category 'U': "not in GASNETI_ALLTYPES,
	// but is always enabled" — ParseMask always sets this bit regardless
	// of the input string, and it is never one of the letters a mask
	// string can turn off.
	CatUser
)

// letters maps each TRACEMASK/STATSMASK-toggleable category to its
// single-character code, per gasnet_trace.c's GASNETI_ALLTYPES convention
// (config.AllTypes enumerates the same letters as the all-enabled
// default).
var letters = map[byte]Category{
	'A': CatAM,
	'P': CatPut,
	'G': CatGet,
	'M': CatMemset,
	'F': CatFirehose,
	'B': CatBarrier,
	'C': CatConn,
}

// ParseMask turns a TRACEMASK/STATSMASK-style letter string into a
// Category set, the way gasnet_trace.c's gasneti_trace_updatemask scans
// GASNETI_ALLTYPES and sets types[c] = strchr(newmask, c) != NULL for each
// known letter present in the input — unrecognized letters are silently
// ignored rather than rejected, matching that loop's behavior. Category
// 'U' is force-enabled unconditionally, exactly as gasneti_trace_updatemask
// does ("category U is not in GASNETI_ALLTYPES, but is always enabled").
func ParseMask(mask string) Category {
	cat := CatUser
	for c, bit := range letters {
		if strings.IndexByte(mask, c) >= 0 {
			cat |= bit
		}
	}
	return cat
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// record is one TRACEFILE/STATSFILE line.
type record struct {
	Event string         `json:"event"`
	Node  int            `json:"node"`
	Peer  int            `json:"peer,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

// Sink is the trace/stat sink of C9: best-effort per spec.md §7 ("Tracing
// is unaffected by any path; trace output is best-effort") — a failure to
// encode a trace record is logged via nlog; write failures, and encoding
// failures of stats records, are dropped silently. None is propagated as a
// gerr.Error.
type Sink struct {
	traceMask Category
	statsMask Category

	traceMu  sync.Mutex
	traceOut io.Writer
	traceLog *nlog.Logger

	countersMu sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	registry   *prometheus.Registry

	statsMu  sync.Mutex
	statsOut io.Writer
}

// Config carries the environment-derived TRACEFILE/TRACEMASK/STATSFILE/
// STATSMASK values (spec.md §6).
type Config struct {
	TraceFile string
	TraceMask Category
	StatsFile string
	StatsMask Category
}

func openOrStderr(path string) io.Writer {
	if path == "" {
		return os.Stderr
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return os.Stderr
	}
	return f
}

func NewSink(cfg Config) *Sink {
	traceOut := openOrStderr(cfg.TraceFile)
	s := &Sink{
		traceMask: cfg.TraceMask,
		statsMask: cfg.StatsMask,
		traceOut:  traceOut,
		traceLog:  nlog.New(traceOut, nlog.SevInfo),
		counters:  make(map[string]*prometheus.CounterVec),
		gauges:    make(map[string]*prometheus.GaugeVec),
		registry:  prometheus.NewRegistry(),
		statsOut:  openOrStderr(cfg.StatsFile),
	}
	return s
}

// Trace writes one event as a JSON line to TRACEFILE, if cat is enabled in
// TRACEMASK.
func (s *Sink) Trace(cat Category, node int, event string, data map[string]any) {
	if s.traceMask&cat == 0 {
		return
	}
	rec := record{Event: event, Node: node, Data: data}
	b, err := json.Marshal(rec)
	if err != nil {
		s.traceLog.Errorf("stats: marshal trace record: %v", err)
		return
	}
	s.traceMu.Lock()
	_, _ = s.traceOut.Write(append(b, '\n'))
	s.traceMu.Unlock()
}

// Counter returns (creating if needed) a Prometheus counter vector keyed
// by the given label names, registered under name.
func (s *Sink) Counter(name, help string, labels ...string) *prometheus.CounterVec {
	s.countersMu.Lock()
	defer s.countersMu.Unlock()
	if c, ok := s.counters[name]; ok {
		return c
	}
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	_ = s.registry.Register(c)
	s.counters[name] = c
	return c
}

// Gauge returns (creating if needed) a Prometheus gauge vector.
func (s *Sink) Gauge(name, help string, labels ...string) *prometheus.GaugeVec {
	s.countersMu.Lock()
	defer s.countersMu.Unlock()
	if g, ok := s.gauges[name]; ok {
		return g
	}
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
	_ = s.registry.Register(g)
	s.gauges[name] = g
	return g
}

// Registry exposes the Prometheus registry so cmd/gasnetrun can serve it
// over /metrics.
func (s *Sink) Registry() *prometheus.Registry { return s.registry }

// RecordStat writes one counter snapshot as a JSON line to STATSFILE, if
// cat is enabled in STATSMASK — the offline-analysis counterpart to the
// live Prometheus gauges.
func (s *Sink) RecordStat(cat Category, node int, name string, value float64) {
	if s.statsMask&cat == 0 {
		return
	}
	rec := record{Event: name, Node: node, Data: map[string]any{"value": value}}
	b, err := json.Marshal(rec)
	if err != nil {
		return
	}
	s.statsMu.Lock()
	_, _ = s.statsOut.Write(append(b, '\n'))
	s.statsMu.Unlock()
}

func (s *Sink) Close() {
	if c, ok := s.traceOut.(io.Closer); ok {
		_ = c.Close()
	}
	if c, ok := s.statsOut.(io.Closer); ok {
		_ = c.Close()
	}
}
