package schedoc

import "time"

// Clock returns "now". The scheduler never reads the wall clock directly;
// every component threads either the configured clock or a per-call
// WithTime override, so tests can freeze time.
type Clock func() time.Time

func systemClock() time.Time { return time.Now().UTC() }
