// Package clock provides the monotonic time, wall time, and random
// identifier primitives every other component builds on (spec.md §2,
// component C1). Its only import from this module is pkg/models, so it
// can be swapped for a fake in tests without dragging in the rest of
// the tree.
package clock

import (
	"crypto/rand"
	"encoding/base32"
	"strings"
	"time"

	"github.com/haasonsaas/rlmd/pkg/models"
)

// base32Encoding renders span ids as lowercase, unpadded base-32 — a
// compact, case-insensitive-safe alphabet that never needs URL escaping
// in trace JSONL or log lines.
var base32Encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Clock abstracts wall and monotonic time so tests can freeze both.
// Real code uses Real(); tests substitute a Fake.
type Clock interface {
	// Now returns the current wall-clock time.
	Now() time.Time
	// NowMicros returns a monotonic-ish microsecond timestamp suitable
	// for TraceEvent.TimestampUs ordering within a run.
	NowMicros() int64
}

type systemClock struct{}

// Real returns the production Clock backed by time.Now.
func Real() Clock { return systemClock{} }

func (systemClock) Now() time.Time   { return time.Now() }
func (systemClock) NowMicros() int64 { return time.Now().UnixMicro() }

// Fake is a deterministic Clock for tests: NowMicros advances by Step
// on every call, starting at Base.
type Fake struct {
	Base time.Time
	Step time.Duration

	elapsed time.Duration
}

func NewFake(base time.Time, step time.Duration) *Fake {
	return &Fake{Base: base, Step: step}
}

func (f *Fake) Now() time.Time {
	t := f.Base.Add(f.elapsed)
	f.elapsed += f.Step
	return t
}

func (f *Fake) NowMicros() int64 {
	return f.Now().UnixMicro()
}

// NewSpanID generates a fresh, collision-free-in-practice SpanId: 128
// bits of crypto/rand rendered as lowercase base-32 (spec.md §3).
func NewSpanID() models.SpanId {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand.Read on a supported platform does not fail; if it
		// somehow does, degrade to an all-zero id rather than panic so
		// callers never need to handle an id-generation error.
		return models.SpanId(strings.Repeat("a", 26))
	}
	return models.SpanId(strings.ToLower(base32Encoding.EncodeToString(buf[:])))
}

// NewRunID generates a fresh RunId: the literal prefix "run_" followed
// by a fresh SpanId (spec.md §3).
func NewRunID() models.RunId {
	return models.RunId("run_" + string(NewSpanID()))
}
