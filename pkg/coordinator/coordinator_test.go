package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/apq-labscript/runcoord/pkg/obslog"
	"github.com/apq-labscript/runcoord/pkg/phase"
	"github.com/apq-labscript/runcoord/pkg/queue"
	"github.com/apq-labscript/runcoord/pkg/wire"
)

// fakeFanIn is a controllable inboundSource for unit tests.
type fakeFanIn struct {
	ch chan wire.Message
}

func newFakeFanIn() *fakeFanIn { return &fakeFanIn{ch: make(chan wire.Message, 64)} }

func (f *fakeFanIn) Inbox() <-chan wire.Message       { return f.ch }
func (f *fakeFanIn) Serve() error                     { return nil }
func (f *fakeFanIn) Close(ctx context.Context) error  { return nil }
func (f *fakeFanIn) send(m wire.Message)              { f.ch <- m }

// fakeFanOut records every broadcast for assertion.
type fakeFanOut struct {
	mu  sync.Mutex
	log []wire.Message
}

func newFakeFanOut() *fakeFanOut { return &fakeFanOut{} }

func (f *fakeFanOut) Broadcast(msg wire.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, msg)
}
func (f *fakeFanOut) Serve() error                    { return nil }
func (f *fakeFanOut) Close(ctx context.Context) error { return nil }

func (f *fakeFanOut) messages() []wire.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wire.Message, len(f.log))
	copy(out, f.log)
	return out
}

func newTestCoordinator() (*Coordinator, *fakeFanIn, *fakeFanOut) {
	in := newFakeFanIn()
	out := newFakeFanOut()
	c := &Coordinator{
		cfg:            DefaultConfig(),
		fanIn:          in,
		fanOut:         out,
		log:            obslog.Discard(),
		cmds:           queue.New[command](),
		phase:          phase.Manual,
		devices:        make(map[string]phase.Phase),
		nextSection:    defaultNextSection,
		transitionTime: defaultTransitionTime,
		runTime:        defaultRunTime,
	}
	return c, in, out
}

func runLoopFor(t *testing.T, c *Coordinator, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	_ = c.loop(ctx)
}

func TestHelloRegistersDeviceAndEchoes(t *testing.T) {
	c, in, out := newTestCoordinator()
	in.send(wire.HelloMsg("d1"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = c.loop(ctx)

	devs := c.Devices()
	if len(devs) != 1 || devs[0].Name != "d1" || devs[0].Phase != phase.Manual {
		t.Fatalf("Devices() = %+v, want one d1/MANUAL", devs)
	}

	found := false
	for _, m := range out.messages() {
		if m.Kind == wire.Hello && m.Name() == "d1" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected hello d1 echoed on fan-out")
	}
}

func TestSingleDeviceSingleSection(t *testing.T) {
	c, in, out := newTestCoordinator()
	in.send(wire.HelloMsg("d1"))
	runLoopShortCycle(t, c)

	c.SendBuffered()
	runLoopShortCycle(t, c)
	if c.Phase() != phase.Buffered {
		t.Fatalf("Phase() = %v, want BUFFERED", c.Phase())
	}

	c.SendStart()
	runLoopShortCycle(t, c)
	if c.Phase() != phase.Running {
		t.Fatalf("Phase() = %v, want RUNNING", c.Phase())
	}

	in.send(wire.FinMsg("d1"))
	runLoopShortCycle(t, c)

	if c.Phase() != phase.Manual {
		t.Fatalf("Phase() = %v, want MANUAL after single-section finish", c.Phase())
	}

	var sawExit bool
	for _, m := range out.messages() {
		if m.Kind == wire.Exit {
			sawExit = true
		}
	}
	if !sawExit {
		t.Fatal("expected exit broadcast after single-section chain completes")
	}
}

func TestTwoSectionChain(t *testing.T) {
	c, in, out := newTestCoordinator()
	sections := []int{7, -1}
	idx := 0
	c.SetComputeNextSectionCallback(func() int {
		n := sections[idx]
		idx++
		return n
	})

	in.send(wire.HelloMsg("d1"))
	in.send(wire.HelloMsg("d2"))
	runLoopShortCycle(t, c)

	c.SendBuffered()
	c.SendStart()
	runLoopShortCycle(t, c)
	if c.Phase() != phase.Running {
		t.Fatalf("Phase() = %v, want RUNNING", c.Phase())
	}

	in.send(wire.FinMsg("d1"))
	in.send(wire.FinMsg("d2"))
	runLoopShortCycle(t, c)
	if c.Phase() != phase.Finished {
		t.Fatalf("Phase() = %v, want FINISHED after first section", c.Phase())
	}

	var sawLoad7 bool
	for _, m := range out.messages() {
		if m.Kind == wire.Load {
			if n, _ := m.Section(); n == 7 {
				sawLoad7 = true
			}
		}
	}
	if !sawLoad7 {
		t.Fatal("expected load 7 broadcast")
	}

	in.send(wire.RdyMsg("d1"))
	in.send(wire.RdyMsg("d2"))
	runLoopShortCycle(t, c)
	if c.Phase() != phase.Running {
		t.Fatalf("Phase() = %v, want RUNNING after both rdy", c.Phase())
	}

	in.send(wire.FinMsg("d1"))
	in.send(wire.FinMsg("d2"))
	runLoopShortCycle(t, c)
	if c.Phase() != phase.Manual {
		t.Fatalf("Phase() = %v, want MANUAL after chain ends", c.Phase())
	}
}

func TestZeroDeviceRunDoesNotHang(t *testing.T) {
	c, _, _ := newTestCoordinator()
	c.SendBuffered()
	c.SendStart()
	runLoopShortCycle(t, c)
	if c.Phase() != phase.Manual {
		t.Fatalf("Phase() = %v, want MANUAL (immediate exit, zero devices)", c.Phase())
	}
}

func TestAbortFromParticipant(t *testing.T) {
	c, in, _ := newTestCoordinator()
	in.send(wire.HelloMsg("d1"))
	runLoopShortCycle(t, c)
	c.SendBuffered()
	c.SendStart()
	runLoopShortCycle(t, c)

	in.send(wire.Simple(wire.Abort))
	runLoopShortCycle(t, c)

	if c.Phase() != phase.Manual {
		t.Fatalf("Phase() = %v, want MANUAL after abort", c.Phase())
	}
}

func TestFinishTimeoutAborts(t *testing.T) {
	c, in, _ := newTestCoordinator()
	c.cfg.FinishTimeout = 20 * time.Millisecond
	c.cfg.ActivePollInterval = 5 * time.Millisecond

	in.send(wire.HelloMsg("d1"))
	runLoopShortCycle(t, c)
	c.SendBuffered()
	c.SendStart()
	runLoopShortCycle(t, c)

	in.send(wire.Simple(wire.MasterFinished))
	runLoopFor(t, c, 100*time.Millisecond)

	if c.Phase() != phase.Manual {
		t.Fatalf("Phase() = %v, want MANUAL after finish timeout", c.Phase())
	}
}

func TestHelloOutsideManualIsProtocolViolation(t *testing.T) {
	c, in, _ := newTestCoordinator()
	c.SendBuffered()
	runLoopShortCycle(t, c)

	in.send(wire.HelloMsg("late"))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.loop(ctx)
	if err == nil {
		t.Fatal("expected protocol violation error")
	}
}

func runLoopShortCycle(t *testing.T, c *Coordinator) {
	t.Helper()
	runLoopFor(t, c, 30*time.Millisecond)
}
