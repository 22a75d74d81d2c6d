// A thin wrapper over the system clock which can be implemented for use in tests.
// All timestamps persisted by burrow are microseconds since the unix epoch.
package clock

import "time"

type Clock interface {
	CurrentTimeMicro() int64
	CurrentTimeMs() int64
	Now() time.Time
}

type systemClock struct{}

func NewSystemClock() Clock {
	return &systemClock{}
}

func (sc *systemClock) CurrentTimeMicro() int64 {
	return time.Now().UnixMicro()
}

func (sc *systemClock) CurrentTimeMs() int64 {
	return sc.CurrentTimeMicro() / 1000
}

func (sc *systemClock) Now() time.Time {
	return time.Now()
}
