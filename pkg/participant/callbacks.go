package participant

// IsFinishedFunc is polled once per loop iteration while RUNNING; returning
// true triggers the automatic FINISHED transition.
type IsFinishedFunc func() bool

// StartFunc is invoked synchronously when a start order is accepted.
type StartFunc func()

// LoadSectionFunc is invoked synchronously with the section id carried by a
// load order; the participant reports rdy once it returns.
type LoadSectionFunc func(section int)

func defaultIsFinished() bool { return true }

func defaultStart() {}

func defaultLoadSection(int) {}
