package coordinator

import (
	"time"

	"github.com/apq-labscript/runcoord/pkg/obslog"
)

// Config configures a Coordinator's transport endpoints and timing.
// Call DefaultConfig and override the fields that matter rather than
// building a Config from scratch.
type Config struct {
	// FanInAddr is the many-to-one inbound listen address.
	FanInAddr string
	// FanOutAddr is the one-to-many broadcast listen address.
	FanOutAddr string

	// FinishTimeout bounds how long devices may take to reach FINISHED
	// after master_finished is reported before the run is auto-aborted.
	FinishTimeout time.Duration

	// StartupDelay is how long Run waits after binding both sockets before
	// broadcasting the initial greet, so late-connecting subscribers have a
	// chance to attach.
	StartupDelay time.Duration

	// ManualPollInterval is the bounded inbound-poll wait while the global
	// phase is MANUAL (short - registrations should feel responsive).
	ManualPollInterval time.Duration
	// ActivePollInterval is the bounded inbound-poll wait while the global
	// phase is BUFFERED/RUNNING/FINISHED (long - sections run far longer
	// than message turnaround).
	ActivePollInterval time.Duration

	// Logger receives structured diagnostics. A nil Logger discards.
	Logger *obslog.Logger
}

// DefaultConfig returns the conventional port numbers and timing from the
// coordination protocol.
func DefaultConfig() Config {
	return Config{
		FanInAddr:          ":43227",
		FanOutAddr:         ":43228",
		FinishTimeout:      2 * time.Second,
		StartupDelay:       time.Second,
		ManualPollInterval: time.Millisecond,
		ActivePollInterval: time.Second,
	}
}
