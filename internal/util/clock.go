package util

import (
	"time"
)

// Clock is the minimal clock surface the session layer depends on. Satisfied
// by time2.DefaultClock and time2.NewMockClock from godropbox.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}
