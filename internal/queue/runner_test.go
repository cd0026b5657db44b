//go:build linux

package queue

import (
	"errors"
	"strings"
	"testing"
)

func TestNewRunnerRejectsBadDepth(t *testing.T) {
	for _, depth := range []int{0, -1, 3, 24, 100} {
		_, err := NewRunner(Config{
			DevID:       0,
			Depth:       depth,
			PerTagBytes: 64 << 10,
			Backend:     newMockBackend(1 << 20),
		})
		if err == nil {
			t.Errorf("NewRunner(depth=%d) succeeded, want error", depth)
			continue
		}
		if !strings.Contains(err.Error(), "power of two") {
			t.Errorf("NewRunner(depth=%d) error = %v", depth, err)
		}
	}
}

func TestNewRunnerRejectsBadBufferSize(t *testing.T) {
	for _, perTag := range []int{0, -4096} {
		_, err := NewRunner(Config{
			Depth:       64,
			PerTagBytes: perTag,
			Backend:     newMockBackend(1 << 20),
		})
		if err == nil {
			t.Errorf("NewRunner(perTag=%d) succeeded, want error", perTag)
		}
	}
}

// The state machine's externally visible invariant: fresh runners hold
// every tag in the fetch-in-flight state and stopped runners report
// their recorded error.
func TestRunnerStateAccessors(t *testing.T) {
	r := &Runner{
		depth:     4,
		tagStates: make([]TagState, 4),
	}

	states := r.TagStates()
	for tag, s := range states {
		if s != TagInFlightFetch {
			t.Errorf("tag %d initial state = %d, want TagInFlightFetch", tag, s)
		}
	}

	// the copy must not alias internal state
	states[0] = TagErrored
	if r.tagStates[0] != TagInFlightFetch {
		t.Error("TagStates returned aliased storage")
	}

	if r.LastError() != nil {
		t.Errorf("LastError on fresh runner = %v", r.LastError())
	}
	wantErr := errors.New("boom")
	r.lastErr = wantErr
	if r.LastError() != wantErr {
		t.Errorf("LastError = %v, want %v", r.LastError(), wantErr)
	}

	if r.stop.Load() {
		t.Error("fresh runner already stopping")
	}
	r.Stop()
	if !r.stop.Load() {
		t.Error("Stop did not set the flag")
	}
}
