// Package thermometer maintains the connection to a single INSMART BLE
// thermometer: it opens the link, subscribes to notification frames,
// tracks liveness with an idle timeout and reconnects on every failure.
package thermometer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"bletherm/pkg/insmart"

	"github.com/womat/debug"
)

var (
	ErrConnectTimeout  = errors.New("connect timed out")
	ErrConnectFailed   = errors.New("connect failed")
	ErrSubscribeFailed = errors.New("subscribe failed")
)

// Timing of the INSMART thermometer: the device pushes a frame every few
// seconds, so a minute of silence means the link is dead.
const (
	DefaultConnectTimeout = 20 * time.Second
	DefaultRetryInterval  = 60 * time.Second
	DefaultLivenessWindow = 60 * time.Second
)

// Config holds the parameters of a Monitor.
type Config struct {
	// Address is the stable identifier of the peripheral.
	Address string
	// Characteristic is the notification channel to subscribe to.
	Characteristic string

	// ConnectTimeout bounds a single connection attempt.
	ConnectTimeout time.Duration
	// RetryInterval is the fixed delay between failed attempts.
	RetryInterval time.Duration
	// LivenessWindow is the silence after which the link is presumed dead.
	LivenessWindow time.Duration

	// Clock schedules the retry and liveness timers. Defaults to the
	// system clock.
	Clock Clock

	// OnReading is called when the decoded temperature changed. It must
	// not call back into the Monitor.
	OnReading func(insmart.Reading)
	// OnAvailability is called when the availability flag changed. It
	// must not call back into the Monitor.
	OnAvailability func(bool)
}

// Monitor owns the link to one thermometer and drives the connection
// lifecycle: connect, subscribe, receive, idle timeout, disconnect, retry.
// All transitions happen inside the monitor; callers only get Start, Stop
// and EnsureConnected.
type Monitor struct {
	cfg   Config
	link  Link
	clock Clock
	store store

	// connectMu makes connection attempts mutually exclusive. A caller
	// that cannot acquire it observes an attempt in flight and backs off.
	connectMu sync.Mutex

	mu       sync.Mutex
	state    State
	stopped  bool
	liveness Timer
	retry    Timer
}

// New creates a Monitor for the given link. The monitor does nothing
// until Start is called.
func New(link Link, cfg Config) *Monitor {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.LivenessWindow <= 0 {
		cfg.LivenessWindow = DefaultLivenessWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = stdClock{}
	}

	m := &Monitor{
		cfg:   cfg,
		link:  link,
		clock: cfg.Clock,
		state: StateIdle,
	}
	m.store.onReading = cfg.OnReading
	m.store.onAvailability = cfg.OnAvailability

	return m
}

// Start begins connection attempts. It blocks for the duration of the
// first attempt, so run it in its own goroutine:
//
//	go monitor.Start()
//
// Failures do not propagate; they schedule a retry.
func (m *Monitor) Start() {
	m.connect()
}

// EnsureConnected connects if the monitor is not already connected or
// connecting. It is idempotent: while an attempt is in flight or the
// link is active it does nothing.
func (m *Monitor) EnsureConnected() {
	m.connect()
}

// Stop shuts the monitor down: it cancels the pending retry and liveness
// timers, releases the link and suppresses any further automatic
// connection attempts. The final state is Idle.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.state = StateIdle
	m.cancelRetryLocked()
	m.cancelLivenessLocked()
	m.mu.Unlock()

	if err := m.link.Disconnect(); err != nil {
		debug.DebugLog.Printf("disconnecting %s during shutdown: %v", m.cfg.Address, err)
	}
	m.store.setUnavailable()

	debug.InfoLog.Printf("monitor for %s stopped", m.cfg.Address)
}

// State returns the current lifecycle state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Reading returns the last decoded reading and whether one exists.
// Check Available to learn whether it is current or stale.
func (m *Monitor) Reading() (insmart.Reading, bool) {
	r, has, _ := m.store.snapshot()
	return r, has
}

// Available reports whether the last reading should be trusted.
func (m *Monitor) Available() bool {
	_, _, available := m.store.snapshot()
	return available
}

// LinkLost informs the monitor that the transport observed an unsolicited
// disconnect. Outside the Active state it is a no-op.
func (m *Monitor) LinkLost() {
	if !m.beginRelease() {
		return
	}
	debug.InfoLog.Printf("link to %s lost", m.cfg.Address)
	m.finishRelease()
}

// connect starts a connection attempt unless one is already in flight,
// in which case the caller observes it and backs off.
func (m *Monitor) connect() {
	if !m.connectMu.TryLock() {
		debug.TraceLog.Printf("connection attempt to %s already in flight", m.cfg.Address)
		return
	}
	defer m.connectMu.Unlock()

	m.attempt()
}

// attempt runs one connection attempt: Connecting, Subscribing, Active.
// Any failure routes to AwaitingRetry; a shutdown observed after a
// suspension point routes to Idle. The caller holds connectMu.
func (m *Monitor) attempt() {
	m.mu.Lock()
	if m.stopped || m.state == StateActive || m.state == StateSubscribing || m.link.IsConnected() {
		m.mu.Unlock()
		return
	}
	m.cancelRetryLocked()
	m.state = StateConnecting
	m.mu.Unlock()

	if err := m.dial(); err != nil {
		debug.ErrorLog.Printf("connecting to %s: %v", m.cfg.Address, err)
		m.fail()
		return
	}
	debug.DebugLog.Printf("connected to %s", m.cfg.Address)

	if m.stopRequested() {
		m.teardown()
		return
	}

	m.mu.Lock()
	m.state = StateSubscribing
	m.mu.Unlock()

	if err := m.link.Subscribe(m.cfg.Characteristic, m.handleFrame); err != nil {
		debug.ErrorLog.Printf("subscribing to %s: %v: %v", m.cfg.Characteristic, ErrSubscribeFailed, err)
		if err := m.link.Disconnect(); err != nil {
			debug.DebugLog.Printf("disconnecting %s after failed subscribe: %v", m.cfg.Address, err)
		}
		m.fail()
		return
	}
	debug.DebugLog.Printf("notifications started for %s", m.cfg.Characteristic)

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		m.teardown()
		return
	}
	m.state = StateActive
	m.armLivenessLocked()
	m.mu.Unlock()

	m.store.setAvailable()
}

// dial invokes Link.Connect bounded by the configured timeout. The bound
// is driven by the monitor's clock so a hung transport cannot stall the
// state machine.
func (m *Monitor) dial() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var timedOut atomic.Bool
	t := m.clock.AfterFunc(m.cfg.ConnectTimeout, func() {
		timedOut.Store(true)
		cancel()
	})
	defer t.Cancel()

	if err := m.link.Connect(ctx, m.cfg.Address); err != nil {
		if timedOut.Load() {
			return fmt.Errorf("%w after %s", ErrConnectTimeout, m.cfg.ConnectTimeout)
		}
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	return nil
}

// handleFrame decodes one notification frame. A malformed frame is
// dropped: it neither updates the reading nor re-arms the liveness timer.
func (m *Monitor) handleFrame(b []byte) {
	r, err := insmart.Decode(b)
	if err != nil {
		debug.DebugLog.Printf("dropping frame % x: %v", b, err)
		return
	}

	// The store update stays inside the critical section: a frame already
	// past the Active check must not mark the device available again once
	// Stop has torn the link down.
	m.mu.Lock()
	if m.stopped || m.state != StateActive {
		m.mu.Unlock()
		return
	}
	m.armLivenessLocked()
	debug.TraceLog.Printf("temperature %.1f°C", r.Temperature)
	m.store.setReading(r)
	m.mu.Unlock()
}

// onIdleTimeout fires when no valid frame arrived within the liveness
// window. The link is presumed dead and released.
func (m *Monitor) onIdleTimeout() {
	if !m.beginRelease() {
		return
	}
	debug.InfoLog.Printf("no frame from %s within %s, releasing link", m.cfg.Address, m.cfg.LivenessWindow)
	m.finishRelease()
}

// onRetryFire is the retry timer callback. Unlike a manual trigger it
// waits for an attempt still winding down instead of backing off, so a
// scheduled retry is never silently dropped.
func (m *Monitor) onRetryFire() {
	if m.stopRequested() {
		return
	}
	debug.DebugLog.Printf("retry timer fired for %s", m.cfg.Address)

	m.connectMu.Lock()
	defer m.connectMu.Unlock()
	m.attempt()
}

// fail records a failed connection attempt: availability drops and,
// unless a shutdown is in progress, a retry is scheduled.
func (m *Monitor) fail() {
	m.store.setUnavailable()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		m.state = StateIdle
		return
	}
	m.scheduleRetryLocked()
}

// beginRelease moves Active to Disconnecting. It reports false when the
// monitor is not Active, which makes stale timer fires harmless.
func (m *Monitor) beginRelease() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateActive {
		return false
	}
	m.state = StateDisconnecting
	m.cancelLivenessLocked()
	return true
}

// teardown releases the link from within a connection attempt, after a
// shutdown request slipped in behind a suspension point.
func (m *Monitor) teardown() {
	m.mu.Lock()
	m.state = StateDisconnecting
	m.cancelLivenessLocked()
	m.mu.Unlock()

	m.finishRelease()
}

// finishRelease drives the Disconnecting state to its end: best-effort
// disconnect, mark unavailable, then schedule a retry or come to rest
// in Idle when shutting down.
func (m *Monitor) finishRelease() {
	if err := m.link.Disconnect(); err != nil {
		debug.DebugLog.Printf("disconnecting from %s: %v", m.cfg.Address, err)
	}
	m.store.setUnavailable()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		m.state = StateIdle
		return
	}
	m.scheduleRetryLocked()
}

// scheduleRetryLocked arms the retry timer. A pending retry is canceled
// first so timers never stack. Callers hold m.mu.
func (m *Monitor) scheduleRetryLocked() {
	m.cancelRetryLocked()
	m.state = StateAwaitingRetry
	m.retry = m.clock.AfterFunc(m.cfg.RetryInterval, m.onRetryFire)
	debug.DebugLog.Printf("retrying %s in %s", m.cfg.Address, m.cfg.RetryInterval)
}

// armLivenessLocked restarts the liveness countdown. Callers hold m.mu.
func (m *Monitor) armLivenessLocked() {
	m.cancelLivenessLocked()
	m.liveness = m.clock.AfterFunc(m.cfg.LivenessWindow, m.onIdleTimeout)
}

func (m *Monitor) cancelRetryLocked() {
	if m.retry != nil {
		m.retry.Cancel()
		m.retry = nil
	}
}

func (m *Monitor) cancelLivenessLocked() {
	if m.liveness != nil {
		m.liveness.Cancel()
		m.liveness = nil
	}
}

func (m *Monitor) stopRequested() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}
