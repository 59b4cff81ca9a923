//go:build !linux

package clock

import "errors"

// NowMonotonicRaw is only implemented on Linux, where golang.org/x/sys/unix
// exposes clock_gettime directly; elsewhere Now() is the only clock source.
func NowMonotonicRaw() (float64, error) {
	return 0, errors.New("clock: raw monotonic clock not available on this platform")
}
