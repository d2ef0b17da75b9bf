package config_test

import (
	"os"
	"testing"

	"github.com/pgas-rt/gasnet-ibv/config"
)

func TestFromEnvDefaults(t *testing.T) {
	os.Unsetenv("NETWORKDEPTH")
	os.Unsetenv("GASNET_MAXMSGSIZE")
	os.Unsetenv("GASNET_BUCKETSIZE")

	cfg := config.FromEnv()
	if cfg.NetworkDepth != config.DefaultNetworkDepth {
		t.Fatalf("NetworkDepth = %d, want default %d", cfg.NetworkDepth, config.DefaultNetworkDepth)
	}
	if cfg.MaxMsgSize != config.DefaultMaxMsgSize {
		t.Fatalf("MaxMsgSize = %d, want default %d", cfg.MaxMsgSize, config.DefaultMaxMsgSize)
	}
	if cfg.BucketSize != config.DefaultBucketSize {
		t.Fatalf("BucketSize = %d, want default %d", cfg.BucketSize, config.DefaultBucketSize)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("NETWORKDEPTH", "128")
	t.Setenv("GASNET_MAXMSGSIZE", "2MB")

	cfg := config.FromEnv()
	if cfg.NetworkDepth != 128 {
		t.Fatalf("NetworkDepth = %d, want 128", cfg.NetworkDepth)
	}
	if cfg.MaxMsgSize != 2<<20 {
		t.Fatalf("MaxMsgSize = %d, want %d", cfg.MaxMsgSize, 2<<20)
	}
}

func TestFromEnvMalformedFallsBackToDefault(t *testing.T) {
	t.Setenv("GASNET_MAXMSGSIZE", "not-a-size")
	cfg := config.FromEnv()
	if cfg.MaxMsgSize != config.DefaultMaxMsgSize {
		t.Fatalf("malformed GASNET_MAXMSGSIZE should fall back to default, got %d", cfg.MaxMsgSize)
	}
}

func TestTraceMaskDefaultsToAllTypesOnlyWhenFileConfigured(t *testing.T) {
	os.Unsetenv("TRACEMASK")
	os.Unsetenv("TRACEFILE")

	cfg := config.FromEnv()
	if cfg.TraceMask != "" {
		t.Fatalf("TraceMask = %q, want empty when TRACEFILE is unset", cfg.TraceMask)
	}

	t.Setenv("TRACEFILE", "/tmp/trace.jsonl")
	cfg = config.FromEnv()
	if cfg.TraceMask != config.AllTypes {
		t.Fatalf("TraceMask = %q, want %q once TRACEFILE is set", cfg.TraceMask, config.AllTypes)
	}
}

func TestTraceMaskExplicitOverride(t *testing.T) {
	t.Setenv("TRACEFILE", "/tmp/trace.jsonl")
	t.Setenv("TRACEMASK", "AP")

	cfg := config.FromEnv()
	if cfg.TraceMask != "AP" {
		t.Fatalf("TraceMask = %q, want explicit override %q", cfg.TraceMask, "AP")
	}
}

func TestFirehoseF(t *testing.T) {
	cfg := config.Config{FirehoseM: 1 << 20, BucketSize: 4096}

	if f := cfg.FirehoseF(1); f != 1 {
		t.Fatalf("FirehoseF(1) = %d, want 1 (single-node clamp)", f)
	}

	// M=1MiB, B=4KiB, 4 nodes (3 peers) -> F = 1048576 / (4096*3) = 85.
	if f := cfg.FirehoseF(4); f != 85 {
		t.Fatalf("FirehoseF(4) = %d, want 85", f)
	}

	// A huge peer count should clamp to at least 1, never 0.
	if f := cfg.FirehoseF(1 << 20); f < 1 {
		t.Fatalf("FirehoseF should never go below 1, got %d", f)
	}
}
