// A thin wrapper over the system clock so that time can be controlled in tests.
package clock

import "time"

type Clock interface {
	Now() time.Time
	CurrentTimeMs() int64
	CurrentTimeMicro() int64
}

type systemClock struct{}

func NewSystemClock() Clock {
	return &systemClock{}
}

func (sc *systemClock) Now() time.Time {
	return time.Now()
}

func (sc *systemClock) CurrentTimeMs() int64 {
	return time.Now().UnixMilli()
}

func (sc *systemClock) CurrentTimeMicro() int64 {
	return time.Now().UnixMicro()
}
