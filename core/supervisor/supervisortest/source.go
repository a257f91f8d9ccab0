package supervisortest

import (
	"context"
	"sync"
	"time"

	"github.com/leofalp/aigo/core/supervisor"
)

// Step is one chunk (or terminal error) a scripted source yields, optionally
// after a delay — useful for simulating stalls that should trip a watchdog.
type Step struct {
	Chunk any
	Err   error
	Delay time.Duration
}

// Source builds a supervisor.ChunkSource that replays steps in order,
// stopping early if the consumer breaks out of the range loop or a step
// carries a non-nil Err.
func Source(steps []Step) supervisor.ChunkSource {
	return func(yield func(any, error) bool) {
		for _, s := range steps {
			if s.Delay > 0 {
				time.Sleep(s.Delay)
			}
			if !yield(s.Chunk, s.Err) {
				return
			}
			if s.Err != nil {
				return
			}
		}
	}
}

// Script returns a supervisor.SourceFactory that replays scripts[0] on its
// first call, scripts[1] on its second, and so on, repeating the last script
// for any call beyond len(scripts). This models a primary call followed by
// one script per retry/fallback attempt.
func Script(scripts ...[]Step) supervisor.SourceFactory {
	var mu sync.Mutex
	calls := 0
	return func(ctx context.Context) (supervisor.ChunkSource, error) {
		mu.Lock()
		idx := calls
		calls++
		mu.Unlock()
		if idx >= len(scripts) {
			idx = len(scripts) - 1
		}
		return Source(scripts[idx]), nil
	}
}

// TextDelta builds the {type: "text-delta", textDelta: s} producer chunk
// Normalize recognizes.
func TextDelta(s string) map[string]any {
	return map[string]any{"type": "text-delta", "textDelta": s}
}

// FinishChunk builds the {type: "finish"} producer chunk Normalize
// recognizes.
func FinishChunk() map[string]any {
	return map[string]any{"type": "finish"}
}

// Collect drains result.Stream() fully, returning every forwarded event and
// the terminal error, if any. It does not fail the test itself — callers
// assert on the returned events/error with their own expectations.
func Collect(result *supervisor.Result) ([]supervisor.Event, error) {
	var events []supervisor.Event
	var terminalErr error
	for ev, err := range result.Stream() {
		if err != nil {
			terminalErr = err
			continue
		}
		events = append(events, ev)
	}
	return events, terminalErr
}
