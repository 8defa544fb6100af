package thermometer

import "time"

// Timer is a pending single-shot countdown armed via Clock.AfterFunc.
// Cancel stops a pending fire; canceling a timer that has already fired
// is a no-op.
type Timer interface {
	Cancel()
}

// Clock schedules deferred work. The default implementation delegates to
// time.AfterFunc; tests substitute a manually advanced clock.
type Clock interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

type stdClock struct{}

func (stdClock) AfterFunc(d time.Duration, fn func()) Timer {
	return stdTimer{t: time.AfterFunc(d, fn)}
}

type stdTimer struct {
	t *time.Timer
}

func (t stdTimer) Cancel() {
	t.t.Stop()
}
