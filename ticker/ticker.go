// Package ticker provides an interface around time.Ticker so that components
// driven by a periodic tick, such as chanstorage's deadline scanner, can be
// tested with a mock that fires on command instead of waiting on the real
// clock.
package ticker

import "time"

// Ticker is a source of periodic ticks.
type Ticker interface {
	// Ticks returns the channel on which ticks are delivered.
	Ticks() <-chan time.Time

	// Stop releases the resources held by the ticker. After Stop, no more
	// ticks will be delivered.
	Stop()
}

// wallClockTicker wraps time.Ticker to implement Ticker.
type wallClockTicker struct {
	t *time.Ticker
}

// New returns a Ticker that ticks at the given interval using the real wall
// clock.
func New(interval time.Duration) Ticker {
	return &wallClockTicker{t: time.NewTicker(interval)}
}

// Ticks returns the underlying time.Ticker's channel.
func (w *wallClockTicker) Ticks() <-chan time.Time {
	return w.t.C
}

// Stop stops the underlying time.Ticker.
func (w *wallClockTicker) Stop() {
	w.t.Stop()
}

// Mock is a Ticker that only fires when force-fed through Tick, for use in
// tests that want to drive a polling loop deterministically.
type Mock struct {
	c chan time.Time
}

// NewMock returns a Mock ticker.
func NewMock() *Mock {
	return &Mock{c: make(chan time.Time, 1)}
}

// Ticks returns the channel tests can read a forced tick from.
func (m *Mock) Ticks() <-chan time.Time {
	return m.c
}

// Tick force-feeds a single tick timestamped at t.
func (m *Mock) Tick(t time.Time) {
	m.c <- t
}

// Stop is a no-op for Mock; it exists to satisfy the Ticker interface.
func (m *Mock) Stop() {}

var (
	_ Ticker = (*wallClockTicker)(nil)
	_ Ticker = (*Mock)(nil)
)
