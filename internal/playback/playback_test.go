package playback_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/pushtalk/internal/playback"
	"github.com/MrWong99/pushtalk/pkg/audio"
	"github.com/MrWong99/pushtalk/pkg/audio/mock"
)

// recordingGate logs Enable/Disable calls together with the sink's activity
// at the moment of the call.
type recordingGate struct {
	mu   sync.Mutex
	sink *mock.Sink
	log  []string
}

func (g *recordingGate) Enable() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sink.Active() != 0 {
		g.log = append(g.log, "enable-while-playing")
		return nil
	}
	g.log = append(g.log, "enable")
	return nil
}

func (g *recordingGate) Disable() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sink.Active() != 0 {
		g.log = append(g.log, "disable-while-playing")
		return nil
	}
	g.log = append(g.log, "disable")
	return nil
}

func (g *recordingGate) calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.log...)
}

func clip(name string, n int) audio.Clip {
	return audio.Clip{Name: name, PCM: make([]byte, n), Format: audio.Mono(24000)}
}

// start runs the controller worker for the duration of the test.
func start(t *testing.T, c *playback.Controller) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestPlay_PlaysClipAndGates(t *testing.T) {
	t.Parallel()

	sink := &mock.Sink{Duration: 10 * time.Millisecond}
	gate := &recordingGate{sink: sink}
	finished := make(chan error, 1)
	c := playback.New(sink, playback.WithGate(gate), playback.WithOnFinish(func(_ audio.Clip, err error) {
		finished <- err
	}))
	start(t, c)

	if err := c.Play(clip("response", 480)); err != nil {
		t.Fatalf("Play: %v", err)
	}

	select {
	case err := <-finished:
		if err != nil {
			t.Fatalf("sink error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("clip never finished")
	}

	calls := sink.Calls()
	if len(calls) != 1 || len(calls[0].PCM) != 480 || calls[0].Interrupted {
		t.Errorf("sink calls = %+v", calls)
	}
	if got := gate.calls(); len(got) != 2 || got[0] != "enable" || got[1] != "disable" {
		t.Errorf("gate = %v; want [enable disable]", got)
	}
	waitFor(t, func() bool { return !c.Active() })
}

func TestPlay_FIFOWithinPriority(t *testing.T) {
	t.Parallel()

	sink := &mock.Sink{Duration: 5 * time.Millisecond}
	c := playback.New(sink)

	// Queue before the worker starts so ordering is deterministic.
	_ = c.Play(clip("first", 2))
	_ = c.Play(clip("second", 4))
	_ = c.PlayPriority(clip("alert", 6), playback.PriorityAlert)
	start(t, c)

	waitFor(t, func() bool { return len(sink.Calls()) == 3 })
	calls := sink.Calls()
	want := []int{6, 2, 4}
	for i, w := range want {
		if len(calls[i].PCM) != w {
			t.Errorf("call %d played %d bytes; want %d", i, len(calls[i].PCM), w)
		}
	}
	if sink.MaxActive() > 1 {
		t.Errorf("MaxActive = %d; want <= 1", sink.MaxActive())
	}
}

func TestPlayPriority_PreemptsLowerPriority(t *testing.T) {
	t.Parallel()

	sink := &mock.Sink{Duration: time.Second, Started: make(chan struct{}, 4)}
	var reasons []audio.InterruptReason
	var mu sync.Mutex
	c := playback.New(sink, playback.WithOnInterrupt(func(_ audio.Clip, r audio.InterruptReason) {
		mu.Lock()
		reasons = append(reasons, r)
		mu.Unlock()
	}))
	start(t, c)

	_ = c.Play(clip("response", 100))
	<-sink.Started
	_ = c.PlayPriority(clip("cue:error", 10), playback.PriorityAlert)
	<-sink.Started

	calls := sink.Calls()
	if len(calls) != 1 || !calls[0].Interrupted {
		t.Fatalf("calls = %+v; want the response interrupted", calls)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(reasons) != 1 || reasons[0] != audio.Superseded {
		t.Errorf("reasons = %v; want [superseded]", reasons)
	}
	if sink.MaxActive() > 1 {
		t.Errorf("MaxActive = %d; want <= 1", sink.MaxActive())
	}
}

func TestStop_WhileIdleIsNoop(t *testing.T) {
	t.Parallel()

	c := playback.New(&mock.Sink{})
	start(t, c)
	if c.Stop() {
		t.Error("Stop while idle reported active")
	}
	if c.Active() {
		t.Error("Active after idle Stop")
	}
}

func TestStop_ReleasesDeviceBeforeReturning(t *testing.T) {
	t.Parallel()

	sink := &mock.Sink{Duration: 5 * time.Second, Started: make(chan struct{}, 1)}
	var reason audio.InterruptReason = -1
	c := playback.New(sink, playback.WithOnInterrupt(func(_ audio.Clip, r audio.InterruptReason) { reason = r }))
	start(t, c)

	_ = c.Play(clip("long", 1000))
	<-sink.Started

	began := time.Now()
	if !c.Stop() {
		t.Error("Stop reported idle while playing")
	}
	if time.Since(began) > time.Second {
		t.Errorf("Stop took %v; want prompt preemption", time.Since(began))
	}
	if n := sink.Active(); n != 0 {
		t.Errorf("sink still active after Stop: %d", n)
	}
	if reason != audio.BargeIn {
		t.Errorf("reason = %v; want barge_in", reason)
	}
	if c.Active() {
		t.Error("Active after Stop")
	}
}

func TestStop_AnyTimingThenPlayWorks(t *testing.T) {
	t.Parallel()

	delays := []time.Duration{0, 100 * time.Microsecond, time.Millisecond, 5 * time.Millisecond}
	for _, d := range delays {
		sink := &mock.Sink{Duration: 20 * time.Millisecond}
		c := playback.New(sink)
		start(t, c)

		for range 10 {
			_ = c.Play(clip("a", 100))
			if d > 0 {
				time.Sleep(d)
			}
			c.Stop()
		}

		_ = c.Play(clip("after", 64))
		waitFor(t, func() bool {
			for _, p := range sink.Calls() {
				if len(p.PCM) == 64 && !p.Interrupted {
					return true
				}
			}
			return false
		})
		if sink.MaxActive() > 1 {
			t.Errorf("delay %v: MaxActive = %d; want <= 1", d, sink.MaxActive())
		}
	}
}

func TestStop_ClearsQueue(t *testing.T) {
	t.Parallel()

	sink := &mock.Sink{Duration: time.Second, Started: make(chan struct{}, 4)}
	c := playback.New(sink)
	start(t, c)

	_ = c.Play(clip("one", 2))
	<-sink.Started
	_ = c.Play(clip("two", 2))
	_ = c.Play(clip("three", 2))
	c.Stop()

	time.Sleep(50 * time.Millisecond)
	if n := len(sink.Calls()); n != 1 {
		t.Errorf("sink calls = %d; want 1 (queued clips dropped)", n)
	}
}

func TestPlay_Validation(t *testing.T) {
	t.Parallel()

	sink := &mock.Sink{}
	c := playback.New(sink)
	start(t, c)

	if err := c.Play(audio.Clip{Name: "odd", PCM: []byte{1, 2, 3}, Format: audio.Mono(24000)}); err == nil {
		t.Error("expected error for odd-length clip")
	}
	if err := c.Play(audio.Clip{Name: "empty", Format: audio.Mono(24000)}); err != nil {
		t.Errorf("empty clip: %v", err)
	}
	if c.Active() {
		t.Error("empty clip should not be queued")
	}
}

func TestClose(t *testing.T) {
	t.Parallel()

	sink := &mock.Sink{Duration: 5 * time.Second, Started: make(chan struct{}, 1)}
	c := playback.New(sink)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(context.Background())
	}()

	_ = c.Play(clip("long", 100))
	<-sink.Started

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	if err := c.Play(clip("late", 2)); !errors.Is(err, playback.ErrClosed) {
		t.Errorf("Play after Close: err = %v; want ErrClosed", err)
	}
}
