package participant

import (
	"time"

	"github.com/apq-labscript/runcoord/pkg/obslog"
)

// Config configures a Participant's coordinator endpoints and timing. Call
// DefaultConfig and override the fields that matter.
type Config struct {
	// Name is this device's registration identity, unique per session.
	Name string

	// FanInURL is the coordinator's fan-in endpoint, e.g. "ws://host:43227/".
	FanInURL string
	// FanOutURL is the coordinator's fan-out endpoint, e.g. "ws://host:43228/".
	FanOutURL string

	// RegistrationRetry is how long to wait for the coordinator's hello
	// echo before resending the registration request.
	RegistrationRetry time.Duration

	// PollInterval bounds how long the main loop waits for an inbound order
	// before re-evaluating the is-finished? callback and the command queue.
	PollInterval time.Duration

	// Logger receives structured diagnostics. A nil Logger discards.
	Logger *obslog.Logger
}

// DefaultConfig returns the conventional coordinator addresses and timing.
func DefaultConfig(name string) Config {
	return Config{
		Name:              name,
		FanInURL:          "ws://127.0.0.1:43227/",
		FanOutURL:         "ws://127.0.0.1:43228/",
		RegistrationRetry: 2 * time.Second,
		PollInterval:      50 * time.Millisecond,
	}
}
