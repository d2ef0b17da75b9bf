// Package config collects the environment-variable-driven tunables of
// spec.md §6 into one struct, the way aistore's cmn/config centralizes its
// own env/JSON-driven knobs. Every size-valued variable accepts the
// base-2 KB/MB/GB suffixes parsed by cmn/cos.ParseSize.
package config

import (
	"os"
	"strconv"

	"github.com/pgas-rt/gasnet-ibv/cmn/cos"
)

// Defaults mirror the reference GASNet-ibv conduit's compiled-in defaults;
// every field can be overridden by the matching environment variable.
const (
	DefaultNetworkDepth      = 256      // NETWORKDEPTH: per-peer in-flight op limit
	DefaultInlineSendLimit   = 72       // INLINESEND_LIMIT: verbs inline-send byte ceiling
	DefaultCopyLimit         = 4 << 10  // bounce-buffer-eligible put size ceiling
	DefaultBufSize           = 4 << 10  // BUFSZ: fixed send/recv buffer size (spec.md §6)
	DefaultAMInlineLimit     = 256      // AM_INLINE_LIMIT: carried in Config; AM frames are sent under InlineSendLimit, not this
	DefaultMemsetPutLimit    = 512      // MEMSET_PUT_LIMIT: carried in Config; no memset path consults it
	DefaultMaxMsgSize        = 1 << 20  // max_msg_size: chunking threshold
	DefaultSndReapLimit      = 64       // SND_REAP_LIMIT
	DefaultRcvReapLimit      = 64       // RCV_REAP_LIMIT
	DefaultBucketSize        = 4 << 12  // B: firehose bucket size (power of two, >= page size)
	DefaultFirehoseM         = 256 << 20 // FIREHOSE_M: globally agreed pinnable memory
	DefaultFirehoseR         = 128      // FIREHOSE_R: reserved per-node local pinning slack
	DefaultFirehoseMaxVicM   = 64       // FIREHOSE_MAXVICTIM_M: local victim FIFO cap
	DefaultFirehoseMaxVicR   = 64       // FIREHOSE_MAXVICTIM_R: remote victim FIFO cap
	DefaultFirehoseMaxRegion = 1 << 30  // FIREHOSE_MAXREGION_SIZE
	DefaultAMRequestCredits  = 8        // per-peer AM-request-credit semaphore initial value
)

// AllTypes is the default TRACEMASK/STATSMASK value used whenever a
// tracefile/statsfile is configured but no explicit mask is given — every
// category letter this conduit defines, mirroring the reference
// implementation's GASNETI_ALLTYPES default (gasnet_trace.c: "if
// (gasneti_tracefile_tmp) GASNETI_TRACE_SETMASK(getenv_withdefault
// (GASNET_TRACEMASK, GASNETI_ALLTYPES))"). Category 'U' is deliberately
// excluded here (and from the letters TRACEMASK/STATSMASK can toggle at
// all) because the reference implementation forces it on unconditionally:
// "category U is not in GASNETI_ALLTYPES, but is always enabled."
const AllTypes = "APGMFBC"

// Config is the full set of spec.md §6 environment knobs plus the derived
// constants §4 names (INLINE_LIMIT, COPY_LIMIT, BUF_SIZE, ...), read once
// by the launcher (FromEnv) and passed to gasnet.Attach, which threads it
// down to every component that needs a tunable rather than read from the
// environment a second time.
type Config struct {
	NetworkDepth    int
	InlineSendLimit int
	CopyLimit       int
	BufSize         int
	AMInlineLimit   int
	MemsetPutLimit  int
	MaxMsgSize      uint64
	SndReapLimit    int
	RcvReapLimit    int
	AMRequestCredits int

	BucketSize        uint64
	FirehoseM         uint64
	FirehoseR         int
	FirehoseMaxVictimM int
	FirehoseMaxVictimR int
	FirehoseMaxRegion uint64

	// TraceFile/TraceMask and StatsFile/StatsMask mirror spec.md §6's
	// TRACEFILE/TRACEMASK/STATSFILE/STATSMASK knobs exactly: the mask is a
	// string of single-letter categories (e.g. "APG"), not a bitmask
	// integer, matching gasnet_trace.c's gasneti_trace_updatemask parsing
	// (unrecognized letters are silently ignored there; stats.ParseMask
	// preserves that).
	TraceFile string
	TraceMask string
	StatsFile string
	StatsMask string
}

// FromEnv populates a Config from the process environment, falling back to
// the compiled-in defaults above for anything unset. Malformed size values
// fall back to the default rather than failing Init outright — a bad env
// var here is an operator mistake, not a RESOURCE-class fault (spec.md §7
// reserves that class for transport/OS failures).
func FromEnv() Config {
	return Config{
		NetworkDepth:       envInt("NETWORKDEPTH", DefaultNetworkDepth),
		InlineSendLimit:    envInt("INLINESEND_LIMIT", DefaultInlineSendLimit),
		CopyLimit:          DefaultCopyLimit,
		BufSize:            DefaultBufSize,
		AMInlineLimit:      DefaultAMInlineLimit,
		MemsetPutLimit:     DefaultMemsetPutLimit,
		MaxMsgSize:         envSize("GASNET_MAXMSGSIZE", DefaultMaxMsgSize),
		SndReapLimit:       DefaultSndReapLimit,
		RcvReapLimit:       DefaultRcvReapLimit,
		AMRequestCredits:   DefaultAMRequestCredits,
		BucketSize:         envSize("GASNET_BUCKETSIZE", DefaultBucketSize),
		FirehoseM:          envSize("FIREHOSE_M", DefaultFirehoseM),
		FirehoseR:          envInt("FIREHOSE_R", DefaultFirehoseR),
		FirehoseMaxVictimM: envInt("FIREHOSE_MAXVICTIM_M", DefaultFirehoseMaxVicM),
		FirehoseMaxVictimR: envInt("FIREHOSE_MAXVICTIM_R", DefaultFirehoseMaxVicR),
		FirehoseMaxRegion:  envSize("FIREHOSE_MAXREGION_SIZE", DefaultFirehoseMaxRegion),
		TraceFile:          os.Getenv("TRACEFILE"),
		TraceMask:          envMask("TRACEMASK", os.Getenv("TRACEFILE") != ""),
		StatsFile:          os.Getenv("STATSFILE"),
		StatsMask:          envMask("STATSMASK", os.Getenv("STATSFILE") != ""),
	}
}

// envMask reads a TRACEMASK/STATSMASK-style letter string, defaulting to
// AllTypes when the corresponding file is configured and to "" (tracing
// compiled in but nothing enabled) otherwise — matching gasnet_trace.c's
// own conditional default (see AllTypes).
func envMask(name string, fileConfigured bool) string {
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	if fileConfigured {
		return AllTypes
	}
	return ""
}

// FirehoseF derives F = M / (B * (N-1)), the max firehoses this node may
// own to any one peer (spec.md §3). numPeers is the job's node count N, as
// gasnet.Attach passes it; a single-node job (no peers) and a quotient that
// rounds down to zero are both clamped to 1.
func (c Config) FirehoseF(numPeers int) int {
	if numPeers <= 1 {
		return 1
	}
	f := int(c.FirehoseM / (c.BucketSize * uint64(numPeers-1)))
	if f < 1 {
		f = 1
	}
	return f
}

func envInt(name string, def int) int {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envSize(name string, def uint64) uint64 {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	n, err := cos.ParseSize(v)
	if err != nil || n < 0 {
		return def
	}
	return uint64(n)
}
