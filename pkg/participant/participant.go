// Package participant implements the device side of the run-coordination
// protocol: the registration handshake, the local phase, and the three
// pluggable callbacks a device uses to react to coordinator orders.
package participant

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

// fanInSender is the subset of *transport.FanInConn the participant
// depends on; tests substitute a fake to exercise the state machine without
// opening real sockets.
type fanInSender interface {
	Send(msg wire.Message) error
	Close() error
}

// fanOutReceiver is the subset of *transport.FanOutConn the participant
// depends on.
type fanOutReceiver interface {
	Messages() <-chan wire.Message
	Close() error
}

type command int

const (
	cmdToBuffered command = iota
	cmdStart
	cmdAbort
	cmdShutdown
	cmdMasterFinished
)

// Participant drives one device's local phase through the coordination
// protocol. All state is owned by the goroutine running the loop started
// from Start; exported accessors take a lock to let other goroutines
// observe it safely.
type Participant struct {
	cfg Config
	log *obslog.Logger

	fanIn  fanInSender
	fanOut fanOutReceiver
	cmds   *queue.Queue[command]

	mu           sync.RWMutex
	phase        phase.Phase
	shuttingDown bool

	registeredCh chan struct{}
	doneCh       chan struct{}
	doneErr      error

	isFinished    IsFinishedFunc
	onStart       StartFunc
	onLoadSection LoadSectionFunc
}

// New creates a Participant bound to cfg. Call Start to dial the
// coordinator and begin the registration handshake.
func New(cfg Config) *Participant {
	if cfg.RegistrationRetry == 0 {
		cfg.RegistrationRetry = DefaultConfig("").RegistrationRetry
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultConfig("").PollInterval
	}
	log := cfg.Logger
	if log == nil {
		log = obslog.Discard()
	}
	return &Participant{
		cfg:           cfg,
		log:           log,
		cmds:          queue.New[command](),
		phase:         phase.Manual,
		registeredCh:  make(chan struct{}),
		doneCh:        make(chan struct{}),
		isFinished:    defaultIsFinished,
		onStart:       defaultStart,
		onLoadSection: defaultLoadSection,
	}
}

// SetIsFinishedCallback installs the RUNNING-phase completion predicate.
func (p *Participant) SetIsFinishedCallback(fn IsFinishedFunc) {
	if fn == nil {
		fn = defaultIsFinished
	}
	p.isFinished = fn
}

// SetStartCallback installs the on-start callback.
func (p *Participant) SetStartCallback(fn StartFunc) {
	if fn == nil {
		fn = defaultStart
	}
	p.onStart = fn
}

// SetLoadNextSectionCallback installs the on-load-section callback.
func (p *Participant) SetLoadNextSectionCallback(fn LoadSectionFunc) {
	if fn == nil {
		fn = defaultLoadSection
	}
	p.onLoadSection = fn
}

// Phase reports the participant's current local phase.
func (p *Participant) Phase() phase.Phase {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.phase
}

func (p *Participant) setPhase(ph phase.Phase) {
	p.mu.Lock()
	p.phase = ph
	p.mu.Unlock()
}

func (p *Participant) getPhase() phase.Phase {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.phase
}

// SendBuffered enqueues the to_buffered command. Non-blocking.
func (p *Participant) SendBuffered() { p.cmds.Enqueue(cmdToBuffered) }

// SendRunning enqueues the bypass start command (drives local RUNNING
// without waiting for a coordinator-issued start; a diagnostic affordance,
// not a normal control path). Non-blocking.
func (p *Participant) SendRunning() { p.cmds.Enqueue(cmdStart) }

// Abort enqueues the abort command. Non-blocking.
func (p *Participant) Abort() { p.cmds.Enqueue(cmdAbort) }

// Shutdown enqueues the shutdown command. Non-blocking.
func (p *Participant) Shutdown() { p.cmds.Enqueue(cmdShutdown) }

// SendMasterFinished enqueues the master_finished wire signal. Non-blocking;
// the actual socket write happens on the loop goroutine that owns the
// connection.
func (p *Participant) SendMasterFinished() { p.cmds.Enqueue(cmdMasterFinished) }

// Start dials the coordinator's fan-in and fan-out endpoints, performs the
// registration handshake, and launches the main loop in the background. It
// blocks until registration completes, the loop exits early, or ctx is
// cancelled.
func (p *Participant) Start(ctx context.Context) error {
	fanIn, err := transport.DialFanIn(ctx, p.cfg.FanInURL)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	fanOut, err := transport.DialFanOut(ctx, p.cfg.FanOutURL)
	if err != nil {
		_ = fanIn.Close()
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	p.fanIn = fanIn
	p.fanOut = fanOut

	go p.run(ctx)

	select {
	case <-p.registeredCh:
		return nil
	case <-p.doneCh:
		return p.doneErr
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrRegistrationAborted, ctx.Err())
	}
}

// Wait blocks until the main loop exits and returns its terminal error, if
// any (nil on a clean shutdown).
func (p *Participant) Wait() error {
	<-p.doneCh
	return p.doneErr
}

func (p *Participant) run(ctx context.Context) {
	err := p.runLocked(ctx)
	p.mu.Lock()
	p.doneErr = err
	p.mu.Unlock()
	close(p.doneCh)
}

func (p *Participant) runLocked(ctx context.Context) error {
	if err := p.register(ctx); err != nil {
		return err
	}
	close(p.registeredCh)
	return p.loop(ctx)
}

func (p *Participant) register(ctx context.Context) error {
	if err := p.fanIn.Send(wire.HelloMsg(p.cfg.Name)); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}

	timer := time.NewTimer(p.cfg.RegistrationRetry)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrRegistrationAborted, ctx.Err())

		case <-timer.C:
			p.log.Notice().Str("device", p.cfg.Name).Log("registration echo not seen, resending hello")
			if err := p.fanIn.Send(wire.HelloMsg(p.cfg.Name)); err != nil {
				return fmt.Errorf("%w: %w", ErrTransport, err)
			}
			timer.Reset(p.cfg.RegistrationRetry)

		case msg, ok := <-p.fanOut.Messages():
			if !ok {
				return fmt.Errorf("%w: fan-out closed during registration", ErrTransport)
			}
			if msg.Kind == wire.Hello && msg.Name() == p.cfg.Name {
				return nil
			}
		}
	}
}

func (p *Participant) loop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		cfg := &longpoll.ChannelConfig{MaxSize: -1, MinSize: -1, PartialTimeout: p.cfg.PollInterval}
		err := longpoll.Channel(ctx, cfg, p.fanOut.Messages(), p.handleInbound)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("%w: fan-out channel closed", ErrTransport)
			}
			return err
		}

		if err := p.drainCommands(); err != nil {
			return err
		}

		if p.getPhase() == phase.Running && p.isFinished() {
			if err := p.fanIn.Send(wire.FinMsg(p.cfg.Name)); err != nil {
				return fmt.Errorf("%w: %w", ErrTransport, err)
			}
			p.setPhase(phase.Finished)
		}

		p.mu.RLock()
		done := p.shuttingDown
		p.mu.RUnlock()
		if done {
			return nil
		}
	}
}

func (p *Participant) handleInbound(msg wire.Message) error {
	switch msg.Kind {
	case wire.Abort:
		p.cmds.Enqueue(cmdAbort)

	case wire.Shutdown:
		p.cmds.Enqueue(cmdShutdown)

	case wire.Start:
		if p.getPhase() != phase.Ready {
			return fmt.Errorf("%w: start received while phase=%s", ErrProtocolViolation, p.getPhase())
		}
		p.setPhase(phase.Running)
		p.onStart()

	case wire.Load:
		if p.getPhase() != phase.Finished {
			return fmt.Errorf("%w: load received while phase=%s", ErrProtocolViolation, p.getPhase())
		}
		n, err := msg.Section()
		if err != nil {
			return err
		}
		p.onLoadSection(n)
		if err := p.fanIn.Send(wire.RdyMsg(p.cfg.Name)); err != nil {
			return fmt.Errorf("%w: %w", ErrTransport, err)
		}
		p.setPhase(phase.Ready)

	case wire.Exit:
		ph := p.getPhase()
		if ph != phase.Finished && ph != phase.Manual {
			return fmt.Errorf("%w: exit received while phase=%s", ErrProtocolViolation, ph)
		}
		p.setPhase(phase.Manual)

	case wire.Greet:
		if p.getPhase() != phase.Manual {
			p.log.Notice().Log("greet received outside MANUAL, ignoring")
			return nil
		}
		if err := p.fanIn.Send(wire.HelloMsg(p.cfg.Name)); err != nil {
			return fmt.Errorf("%w: %w", ErrTransport, err)
		}

	case wire.Hello:
		// Own registration ack; only meaningful during the handshake in
		// register, a no-op here.

	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Kind)
	}
	return nil
}

func (p *Participant) drainCommands() error {
	for _, cmd := range p.cmds.DrainAll() {
		switch cmd {
		case cmdToBuffered:
			if p.getPhase() != phase.Manual {
				p.log.Warning().Log("to_buffered ignored outside MANUAL")
				continue
			}
			p.setPhase(phase.Ready)

		case cmdStart:
			p.setPhase(phase.Running)

		case cmdAbort:
			p.setPhase(phase.Manual)

		case cmdShutdown:
			p.mu.Lock()
			p.shuttingDown = true
			p.mu.Unlock()

		case cmdMasterFinished:
			if err := p.fanIn.Send(wire.Simple(wire.MasterFinished)); err != nil {
				return fmt.Errorf("%w: %w", ErrTransport, err)
			}
		}
	}
	return nil
}
