// Package clock abstracts time for the coordination core. Shared records
// carry millisecond timestamps, so the interface exposes both time.Time and
// epoch milliseconds; tests drive a manual implementation.
package clock

import "time"

// Clock supplies the current time and timer primitives.
type Clock interface {
	Now() time.Time
	// NowMillis returns the current time as milliseconds since epoch, the
	// unit used in all shared records.
	NowMillis() int64
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real implements Clock with the standard library.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time { return time.Now().UTC() }

// NowMillis returns the current epoch milliseconds.
func (Real) NowMillis() int64 { return time.Now().UnixMilli() }

// After mirrors time.After.
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Sleep blocks for at least d.
func (Real) Sleep(d time.Duration) { time.Sleep(d) }
