// Package coordinator implements the master side of the run-coordination
// protocol: the global phase, the device roster, section-chaining, and the
// finish-timeout.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/joeycumines/go-longpoll"

	"github.com/apq-labscript/runcoord/pkg/obslog"
	"github.com/apq-labscript/runcoord/pkg/phase"
	"github.com/apq-labscript/runcoord/pkg/queue"
	"github.com/apq-labscript/runcoord/pkg/transport"
	"github.com/apq-labscript/runcoord/pkg/wire"
)

// inboundSource is the subset of *transport.FanIn the coordinator depends
// on; tests substitute a fake to exercise the state machine without opening
// real sockets.
type inboundSource interface {
	Inbox() <-chan wire.Message
	Serve() error
	Close(ctx context.Context) error
}

// outboundSink is the subset of *transport.FanOut the coordinator depends
// on.
type outboundSink interface {
	Broadcast(msg wire.Message)
	Serve() error
	Close(ctx context.Context) error
}

type command int

const (
	cmdToBuffered command = iota
	cmdStart
	cmdAbort
	cmdShutdown
)

// DeviceEntry is a snapshot of one registered device's identity and
// last-reported local phase.
type DeviceEntry struct {
	Name  string
	Phase phase.Phase
}

// Coordinator drives the global phase and the device roster for one
// experiment run. All state is owned by the goroutine running Run; the
// exported accessors take a lock to let other goroutines (an admin surface,
// tests) observe it safely.
type Coordinator struct {
	cfg    Config
	fanIn  inboundSource
	fanOut outboundSink
	log    *obslog.Logger

	cmds *queue.Queue[command]

	mu               sync.RWMutex
	phase            phase.Phase
	devices          map[string]phase.Phase
	masterFinishedAt time.Time
	sectionStart     time.Time
	shuttingDown     bool

	nextSection    NextSectionFunc
	transitionTime TransitionTimeFunc
	runTime        RunTimeFunc
}

// New creates a Coordinator bound to cfg's addresses but does not start
// listening; call Run to do that.
func New(cfg Config) *Coordinator {
	if cfg.FanInAddr == "" || cfg.FanOutAddr == "" {
		def := DefaultConfig()
		if cfg.FanInAddr == "" {
			cfg.FanInAddr = def.FanInAddr
		}
		if cfg.FanOutAddr == "" {
			cfg.FanOutAddr = def.FanOutAddr
		}
	}
	if cfg.FinishTimeout == 0 {
		cfg.FinishTimeout = DefaultConfig().FinishTimeout
	}
	if cfg.StartupDelay == 0 {
		cfg.StartupDelay = DefaultConfig().StartupDelay
	}
	if cfg.ManualPollInterval == 0 {
		cfg.ManualPollInterval = DefaultConfig().ManualPollInterval
	}
	if cfg.ActivePollInterval == 0 {
		cfg.ActivePollInterval = DefaultConfig().ActivePollInterval
	}
	log := cfg.Logger
	if log == nil {
		log = obslog.Discard()
	}

	return &Coordinator{
		cfg:            cfg,
		fanIn:          transport.NewFanIn(cfg.FanInAddr, log),
		fanOut:         transport.NewFanOut(cfg.FanOutAddr, log),
		log:            log,
		cmds:           queue.New[command](),
		phase:          phase.Manual,
		devices:        make(map[string]phase.Phase),
		nextSection:    defaultNextSection,
		transitionTime: defaultTransitionTime,
		runTime:        defaultRunTime,
	}
}

// SetComputeNextSectionCallback installs the section-chaining decision
// function. Not safe to call once Run has started.
func (c *Coordinator) SetComputeNextSectionCallback(fn NextSectionFunc) {
	if fn == nil {
		fn = defaultNextSection
	}
	c.nextSection = fn
}

// SetTransitionTimeCallback installs the inter-section timing callback.
func (c *Coordinator) SetTransitionTimeCallback(fn TransitionTimeFunc) {
	if fn == nil {
		fn = defaultTransitionTime
	}
	c.transitionTime = fn
}

// SetRunTimeCallback installs the per-section run-duration callback.
func (c *Coordinator) SetRunTimeCallback(fn RunTimeFunc) {
	if fn == nil {
		fn = defaultRunTime
	}
	c.runTime = fn
}

// SendBuffered enqueues the to_buffered command. Non-blocking.
func (c *Coordinator) SendBuffered() { c.cmds.Enqueue(cmdToBuffered) }

// SendStart enqueues the start command. Non-blocking.
func (c *Coordinator) SendStart() { c.cmds.Enqueue(cmdStart) }

// Abort enqueues the abort command. Non-blocking.
func (c *Coordinator) Abort() { c.cmds.Enqueue(cmdAbort) }

// Shutdown enqueues the shutdown command. Non-blocking.
func (c *Coordinator) Shutdown() { c.cmds.Enqueue(cmdShutdown) }

// Phase reports the current global phase.
func (c *Coordinator) Phase() phase.Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

// Devices reports a snapshot of the registered roster.
func (c *Coordinator) Devices() []DeviceEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]DeviceEntry, 0, len(c.devices))
	for name, p := range c.devices {
		out = append(out, DeviceEntry{Name: name, Phase: p})
	}
	return out
}

func (c *Coordinator) setPhase(p phase.Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
}

func (c *Coordinator) getPhase() phase.Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

func (c *Coordinator) setDevice(name string, p phase.Phase) {
	c.mu.Lock()
	c.devices[name] = p
	c.mu.Unlock()
}

func (c *Coordinator) allDevicesIn(p phase.Phase) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, dp := range c.devices {
		if dp != p {
			return false
		}
	}
	return true
}

func (c *Coordinator) setAllDevices(p phase.Phase) {
	c.mu.Lock()
	for name := range c.devices {
		c.devices[name] = p
	}
	c.mu.Unlock()
}

// Run binds the fan-in and fan-out listeners, waits StartupDelay for
// subscribers to attach, broadcasts the initial greet, and then runs the
// event loop until ctx is cancelled or a shutdown command is processed. It
// returns once both sockets are closed.
func (c *Coordinator) Run(ctx context.Context) error {
	serveErrs := make(chan error, 2)
	go func() { serveErrs <- c.fanIn.Serve() }()
	go func() { serveErrs <- c.fanOut.Serve() }()

	select {
	case <-time.After(c.cfg.StartupDelay):
	case <-ctx.Done():
		return ctx.Err()
	case err := <-serveErrs:
		return fmt.Errorf("coordinator: %w: %w", ErrTransport, err)
	}

	c.fanOut.Broadcast(wire.Simple(wire.Greet))
	c.log.Info().Log("coordinator up, greet broadcast")

	loopErr := c.loop(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = c.fanIn.Close(shutdownCtx)
	_ = c.fanOut.Close(shutdownCtx)

	return loopErr
}

func (c *Coordinator) loop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		timeout := c.cfg.ManualPollInterval
		if c.getPhase() != phase.Manual {
			timeout = c.cfg.ActivePollInterval
		}

		cfg := &longpoll.ChannelConfig{MaxSize: -1, MinSize: -1, PartialTimeout: timeout}
		err := longpoll.Channel(ctx, cfg, c.fanIn.Inbox(), c.handleInbound)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("coordinator: %w: fan-in channel closed", ErrTransport)
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return err
		}

		c.drainCommands()
		c.evaluateTransitions()

		c.mu.RLock()
		done := c.shuttingDown
		c.mu.RUnlock()
		if done {
			return nil
		}
	}
}

func (c *Coordinator) handleInbound(msg wire.Message) error {
	switch msg.Kind {
	case wire.Hello:
		name := msg.Name()
		if c.getPhase() != phase.Manual {
			return fmt.Errorf("%w: hello %q received outside MANUAL", ErrProtocolViolation, name)
		}
		c.setDevice(name, phase.Manual)
		c.fanOut.Broadcast(wire.HelloMsg(name))

	case wire.Fin:
		name := msg.Name()
		switch c.getPhase() {
		case phase.Running:
			c.setDevice(name, phase.Finished)
		case phase.Manual:
			// Stale fin: the device thinks it's still running. Best-effort
			// recovery rather than a fatal violation.
			c.log.Warning().Str("device", name).Log("stale fin in MANUAL, broadcasting exit")
			c.fanOut.Broadcast(wire.Simple(wire.Exit))
		default:
			return fmt.Errorf("%w: fin %q received outside RUNNING", ErrProtocolViolation, name)
		}

	case wire.Rdy:
		name := msg.Name()
		if c.getPhase() != phase.Finished {
			return fmt.Errorf("%w: rdy %q received outside FINISHED", ErrProtocolViolation, name)
		}
		c.setDevice(name, phase.Ready)

	case wire.Abort:
		c.cmds.Enqueue(cmdAbort)

	case wire.MasterFinished:
		c.mu.Lock()
		c.masterFinishedAt = time.Now()
		c.mu.Unlock()

	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Kind)
	}
	return nil
}

func (c *Coordinator) drainCommands() {
	for _, cmd := range c.cmds.DrainAll() {
		switch cmd {
		case cmdToBuffered:
			if c.getPhase() != phase.Manual {
				c.log.Warning().Log("to_buffered ignored outside MANUAL")
				continue
			}
			c.setAllDevices(phase.Ready)
			c.setPhase(phase.Buffered)

		case cmdStart:
			if c.getPhase() != phase.Buffered {
				c.log.Warning().Log("start ignored outside BUFFERED")
				continue
			}
			c.fanOut.Broadcast(wire.Simple(wire.Start))
			c.setAllDevices(phase.Running)
			c.mu.Lock()
			c.masterFinishedAt = time.Time{}
			c.sectionStart = time.Now()
			c.mu.Unlock()
			c.setPhase(phase.Running)
			c.transitionTime(-1)

		case cmdAbort:
			c.fanOut.Broadcast(wire.Simple(wire.Abort))
			c.setPhase(phase.Manual)

		case cmdShutdown:
			c.fanOut.Broadcast(wire.Simple(wire.Shutdown))
			c.mu.Lock()
			c.shuttingDown = true
			c.mu.Unlock()
		}
	}
}

func (c *Coordinator) evaluateTransitions() {
	switch c.getPhase() {
	case phase.Running:
		if c.allDevicesIn(phase.Finished) {
			c.mu.RLock()
			elapsed := time.Since(c.sectionStart).Seconds()
			c.mu.RUnlock()
			c.runTime(elapsed)

			n := c.nextSection()
			if n == -1 {
				c.fanOut.Broadcast(wire.Simple(wire.Exit))
				c.setPhase(phase.Manual)
				return
			}
			c.fanOut.Broadcast(wire.LoadMsg(n))
			c.mu.Lock()
			c.sectionStart = time.Now()
			c.mu.Unlock()
			c.setPhase(phase.Finished)
			return
		}

		c.mu.RLock()
		finishedAt := c.masterFinishedAt
		c.mu.RUnlock()
		if !finishedAt.IsZero() && time.Since(finishedAt) > c.cfg.FinishTimeout {
			c.log.Warning().Log("finish timeout exceeded, aborting")
			c.cmds.Enqueue(cmdAbort)
		}

	case phase.Finished:
		if c.allDevicesIn(phase.Ready) {
			c.mu.RLock()
			elapsed := time.Since(c.sectionStart).Seconds()
			c.mu.RUnlock()
			c.transitionTime(elapsed)

			c.fanOut.Broadcast(wire.Simple(wire.Start))
			c.setAllDevices(phase.Running)
			c.mu.Lock()
			c.masterFinishedAt = time.Time{}
			c.sectionStart = time.Now()
			c.mu.Unlock()
			c.setPhase(phase.Running)
		}
	}
}
