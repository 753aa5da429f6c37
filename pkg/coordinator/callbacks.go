package coordinator

// NextSectionFunc computes which section to run next. Returning -1 ends the
// chain (the current run is the last section); any other value names the
// section id to load next.
type NextSectionFunc func() int

// TransitionTimeFunc is invoked with the elapsed time, in seconds, between
// the load broadcast for a section and the following start. The first invocation of a run
// carries the sentinel -1 (there is no prior transition to time).
type TransitionTimeFunc func(seconds float64)

// RunTimeFunc is invoked with the elapsed time, in seconds, a section spent
// RUNNING before every device reported FINISHED.
type RunTimeFunc func(seconds float64)

func defaultNextSection() int { return -1 }

func defaultTransitionTime(float64) {}

func defaultRunTime(float64) {}
