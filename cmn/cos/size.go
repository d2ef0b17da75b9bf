// Package cos provides small common utilities shared across the runtime:
// base-2 size parsing for the environment variables in spec.md §6, and id
// generation for firehose move-request identifiers.
/*
 * Grounded on aistore's cmn/cos size/ID helpers (cos.ToSizeIEC, cos.GenUUID).
 */
package cos

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/teris-io/shortid"
)

const (
	KiB = 1 << 10
	MiB = 1 << 20
	GiB = 1 << 30
)

// ParseSize parses environment-variable style memory sizes with base-2
// KB/MB/GB suffixes (spec.md §6: "Units for memory values accept KB/MB/GB
// suffixes (base-2)"). A bare integer is interpreted as bytes.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("cos.ParseSize: empty input")
	}
	mult := int64(1)
	upper := strings.ToUpper(s)
	switch {
	case strings.HasSuffix(upper, "GB"):
		mult = GiB
		s = s[:len(s)-2]
	case strings.HasSuffix(upper, "MB"):
		mult = MiB
		s = s[:len(s)-2]
	case strings.HasSuffix(upper, "KB"):
		mult = KiB
		s = s[:len(s)-2]
	case strings.HasSuffix(upper, "B"):
		s = s[:len(s)-1]
	}
	s = strings.TrimSpace(s)
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cos.ParseSize: invalid size %q: %w", s, err)
	}
	return v * mult, nil
}

// ToSizeIEC renders n bytes using base-2 suffixes, the inverse of ParseSize,
// used by cmd/gasnetrun when logging the configured segment size.
func ToSizeIEC(n int64) string {
	switch {
	case n >= GiB && n%GiB == 0:
		return fmt.Sprintf("%dGB", n/GiB)
	case n >= MiB && n%MiB == 0:
		return fmt.Sprintf("%dMB", n/MiB)
	case n >= KiB && n%KiB == 0:
		return fmt.Sprintf("%dKB", n/KiB)
	default:
		return fmt.Sprintf("%dB", n)
	}
}

var sid *shortid.Shortid

func init() {
	sid, _ = shortid.New(1, shortid.DefaultABC, 0x2a)
}

// GenID mints a short, URL-safe identifier; gasnet.Endpoint.Move tags each
// firehose move-request with one, analogous to aistore's cos.GenUUID but without the tie-break
// machinery aistore needs for its own alphabet (we don't reuse its charset).
func GenID() string {
	id, err := sid.Generate()
	if err != nil {
		// shortid only fails on worker/seed misconfiguration, which init() fixes.
		panic(err)
	}
	return id
}
