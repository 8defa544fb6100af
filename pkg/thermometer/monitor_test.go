package thermometer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bletherm/pkg/insmart"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAddress = "AA:BB:CC:DD:EE:FF"

// fakeClock is a manually advanced Clock.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

type fakeTimer struct {
	clock    *fakeClock
	deadline time.Duration
	fn       func()
	fired    bool
	canceled bool
}

func (t *fakeTimer) Cancel() {
	t.clock.mu.Lock()
	t.canceled = true
	t.clock.mu.Unlock()
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, deadline: c.now + d, fn: fn}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward and fires all due timers, outside the
// clock lock, in arming order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.fired && !t.canceled && t.deadline <= c.now {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		t.fn()
	}
}

// pending counts timers that are armed but neither fired nor canceled.
func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.fired && !t.canceled {
			n++
		}
	}
	return n
}

// fakeLink is an in-memory Link recording every call.
type fakeLink struct {
	mu           sync.Mutex
	connects     int
	disconnects  int
	subscribes   int
	connected    bool
	connectErr   error
	subscribeErr error
	onFrame      func([]byte)

	// blockConnect, when set, makes Connect wait until the channel is
	// closed or the context expires. connectEntered signals each entry.
	blockConnect   chan struct{}
	connectEntered chan struct{}
}

func newFakeLink() *fakeLink {
	return &fakeLink{connectEntered: make(chan struct{}, 8)}
}

func (l *fakeLink) Connect(ctx context.Context, address string) error {
	l.mu.Lock()
	l.connects++
	block := l.blockConnect
	err := l.connectErr
	l.mu.Unlock()

	select {
	case l.connectEntered <- struct{}{}:
	default:
	}

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err != nil {
		return err
	}

	l.mu.Lock()
	l.connected = true
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnects++
	l.connected = false
	l.onFrame = nil
	return nil
}

func (l *fakeLink) Subscribe(characteristic string, onFrame func([]byte)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscribes++
	if l.subscribeErr != nil {
		return l.subscribeErr
	}
	l.onFrame = onFrame
	return nil
}

func (l *fakeLink) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *fakeLink) push(b []byte) {
	l.mu.Lock()
	fn := l.onFrame
	l.mu.Unlock()
	if fn != nil {
		fn(b)
	}
}

func (l *fakeLink) connectCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connects
}

func (l *fakeLink) disconnectCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.disconnects
}

// recorder collects the change notifications of a monitor.
type recorder struct {
	mu           sync.Mutex
	readings     []float64
	availability []bool
}

func (r *recorder) onReading(v insmart.Reading) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readings = append(r.readings, v.Temperature)
}

func (r *recorder) onAvailability(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.availability = append(r.availability, ok)
}

func (r *recorder) lastAvailability() (bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.availability) == 0 {
		return false, false
	}
	return r.availability[len(r.availability)-1], true
}

func (r *recorder) readingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.readings)
}

func newTestMonitor(link *fakeLink) (*Monitor, *fakeClock, *recorder) {
	clock := &fakeClock{}
	rec := &recorder{}
	m := New(link, Config{
		Address:        testAddress,
		Characteristic: "ff01",
		Clock:          clock,
		OnReading:      rec.onReading,
		OnAvailability: rec.onAvailability,
	})
	return m, clock, rec
}

func validFrame(tenths uint16) []byte {
	return []byte{0x01, byte(tenths), byte(tenths >> 8), 0x00, 0x00, 0x00}
}

func TestStartConnectsAndSubscribes(t *testing.T) {
	link := newFakeLink()
	m, _, rec := newTestMonitor(link)

	m.Start()

	assert.Equal(t, StateActive, m.State())
	assert.True(t, link.IsConnected())
	assert.Equal(t, 1, link.connectCount())
	assert.Equal(t, 1, link.subscribes)
	assert.True(t, m.Available())

	avail, ok := rec.lastAvailability()
	require.True(t, ok)
	assert.True(t, avail)
}

func TestEnsureConnectedIsIdempotentWhileConnecting(t *testing.T) {
	link := newFakeLink()
	link.blockConnect = make(chan struct{})
	m, _, _ := newTestMonitor(link)

	go m.Start()
	<-link.connectEntered
	assert.Equal(t, StateConnecting, m.State())

	// Both calls must observe the in-flight attempt and do nothing.
	m.EnsureConnected()
	m.EnsureConnected()

	close(link.blockConnect)
	require.Eventually(t, func() bool { return m.State() == StateActive }, time.Second, time.Millisecond)
	assert.Equal(t, 1, link.connectCount())
}

func TestEnsureConnectedIsNoOpWhileActive(t *testing.T) {
	link := newFakeLink()
	m, _, _ := newTestMonitor(link)

	m.Start()
	require.Equal(t, StateActive, m.State())

	m.EnsureConnected()
	m.EnsureConnected()

	assert.Equal(t, 1, link.connectCount())
}

func TestConnectTimeoutSchedulesRetry(t *testing.T) {
	link := newFakeLink()
	link.blockConnect = make(chan struct{})
	m, clock, rec := newTestMonitor(link)

	go m.Start()
	<-link.connectEntered

	clock.Advance(DefaultConnectTimeout)
	require.Eventually(t, func() bool { return m.State() == StateAwaitingRetry }, time.Second, time.Millisecond)
	assert.False(t, m.Available())
	assert.Equal(t, 1, clock.pending())

	// Availability never became true, so no change notification fires.
	_, ok := rec.lastAvailability()
	assert.False(t, ok)

	// After the retry interval the next attempt runs; let it succeed.
	link.mu.Lock()
	link.blockConnect = nil
	link.mu.Unlock()

	clock.Advance(DefaultRetryInterval)
	assert.Equal(t, StateActive, m.State())
	assert.Equal(t, 2, link.connectCount())
}

func TestConnectErrorSchedulesSingleRetry(t *testing.T) {
	link := newFakeLink()
	link.connectErr = errors.New("radio off")
	m, clock, _ := newTestMonitor(link)

	m.Start()
	assert.Equal(t, StateAwaitingRetry, m.State())
	assert.Equal(t, 1, clock.pending())

	// A second failure reschedules instead of stacking timers.
	clock.Advance(DefaultRetryInterval)
	assert.Equal(t, StateAwaitingRetry, m.State())
	assert.Equal(t, 2, link.connectCount())
	assert.Equal(t, 1, clock.pending())
}

func TestSubscribeFailureReleasesLink(t *testing.T) {
	link := newFakeLink()
	link.subscribeErr = errors.New("characteristic not found")
	m, clock, _ := newTestMonitor(link)

	m.Start()

	assert.Equal(t, StateAwaitingRetry, m.State())
	assert.False(t, m.Available())
	assert.False(t, link.IsConnected())
	assert.GreaterOrEqual(t, link.disconnectCount(), 1)
	assert.Equal(t, 1, clock.pending())
}

func TestIdleTimeoutReleasesSilentLink(t *testing.T) {
	link := newFakeLink()
	m, clock, rec := newTestMonitor(link)

	m.Start()
	require.Equal(t, StateActive, m.State())

	// A subscribed but silent device times out one liveness window
	// after subscribing.
	clock.Advance(DefaultLivenessWindow)

	assert.Equal(t, StateAwaitingRetry, m.State())
	assert.False(t, m.Available())
	assert.False(t, link.IsConnected())

	avail, ok := rec.lastAvailability()
	require.True(t, ok)
	assert.False(t, avail)
}

func TestValidFrameReArmsLiveness(t *testing.T) {
	link := newFakeLink()
	m, clock, rec := newTestMonitor(link)

	m.Start()
	require.Equal(t, StateActive, m.State())

	clock.Advance(30 * time.Second)
	link.push(validFrame(1000))

	r, ok := m.Reading()
	require.True(t, ok)
	assert.InDelta(t, 100.0, r.Temperature, 0.001)
	assert.Equal(t, 1, rec.readingCount())

	// 40s later the original window would have expired, but the frame
	// re-armed it.
	clock.Advance(40 * time.Second)
	assert.Equal(t, StateActive, m.State())

	// Another full window of silence tears the link down.
	clock.Advance(DefaultLivenessWindow)
	assert.Equal(t, StateAwaitingRetry, m.State())
}

func TestMalformedFrameDoesNotReArmLiveness(t *testing.T) {
	link := newFakeLink()
	m, clock, rec := newTestMonitor(link)

	m.Start()
	require.Equal(t, StateActive, m.State())

	clock.Advance(30 * time.Second)
	link.push([]byte{0x01, 0xE8, 0x03, 0x00, 0x00}) // five bytes, one short

	assert.Equal(t, 0, rec.readingCount())
	_, ok := m.Reading()
	assert.False(t, ok)

	clock.Advance(30 * time.Second)
	assert.Equal(t, StateAwaitingRetry, m.State())
}

func TestReadingChangeNotifiedOnce(t *testing.T) {
	link := newFakeLink()
	m, _, rec := newTestMonitor(link)

	m.Start()
	require.Equal(t, StateActive, m.State())

	link.push(validFrame(215))
	link.push(validFrame(215))
	link.push(validFrame(216))

	assert.Equal(t, 2, rec.readingCount())
}

func TestStopFromActive(t *testing.T) {
	link := newFakeLink()
	m, clock, _ := newTestMonitor(link)

	m.Start()
	require.Equal(t, StateActive, m.State())

	m.Stop()

	assert.Equal(t, StateIdle, m.State())
	assert.False(t, m.Available())
	assert.False(t, link.IsConnected())
	assert.Equal(t, 0, clock.pending())

	// A stale fire after shutdown must not reconnect.
	clock.Advance(10 * DefaultRetryInterval)
	assert.Equal(t, StateIdle, m.State())
	assert.Equal(t, 1, link.connectCount())
}

func TestStopWithFramesInFlight(t *testing.T) {
	link := newFakeLink()
	m, clock, _ := newTestMonitor(link)

	m.Start()
	require.Equal(t, StateActive, m.State())

	// Notifications keep arriving from several goroutines while Stop runs,
	// the way a transport delivers frames during shutdown.
	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := uint16(0); ; n++ {
				select {
				case <-done:
					return
				default:
					link.push(validFrame(200 + n%10))
				}
			}
		}()
	}

	m.Stop()
	close(done)
	wg.Wait()

	// No frame that raced the shutdown may mark the device available
	// again or leave a liveness timer armed.
	assert.Equal(t, StateIdle, m.State())
	assert.False(t, m.Available())
	assert.Equal(t, 0, clock.pending())
}

func TestStopCancelsPendingRetry(t *testing.T) {
	link := newFakeLink()
	link.connectErr = errors.New("radio off")
	m, clock, _ := newTestMonitor(link)

	m.Start()
	require.Equal(t, StateAwaitingRetry, m.State())

	m.Stop()

	assert.Equal(t, StateIdle, m.State())
	assert.Equal(t, 0, clock.pending())

	clock.Advance(10 * DefaultRetryInterval)
	assert.Equal(t, 1, link.connectCount())
}

func TestStopDuringConnectSuppressesSubscribe(t *testing.T) {
	link := newFakeLink()
	link.blockConnect = make(chan struct{})
	m, _, _ := newTestMonitor(link)

	go m.Start()
	<-link.connectEntered

	m.Stop()
	close(link.blockConnect)

	// the in-flight attempt observes the shutdown, releases the link and
	// comes to rest in Idle without ever subscribing
	require.Eventually(t, func() bool {
		return m.State() == StateIdle && !link.IsConnected()
	}, time.Second, time.Millisecond)
	assert.Equal(t, 0, link.subscribes)
}

func TestLinkLostSchedulesRetry(t *testing.T) {
	link := newFakeLink()
	m, clock, _ := newTestMonitor(link)

	m.Start()
	require.Equal(t, StateActive, m.State())

	m.LinkLost()

	assert.Equal(t, StateAwaitingRetry, m.State())
	assert.False(t, m.Available())

	clock.Advance(DefaultRetryInterval)
	assert.Equal(t, StateActive, m.State())
	assert.Equal(t, 2, link.connectCount())
}

func TestLinkLostOutsideActiveIsNoOp(t *testing.T) {
	link := newFakeLink()
	m, clock, _ := newTestMonitor(link)

	m.LinkLost()
	assert.Equal(t, StateIdle, m.State())
	assert.Equal(t, 0, clock.pending())
}
