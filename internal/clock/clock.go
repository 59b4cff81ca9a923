// Package clock hides the platform monotonic clock behind a single Now()
// function returning fractional seconds, mirroring the machTimebase /
// win32TimeScale split the original controller used per-platform.
package clock

import "time"

var start = time.Now()

// Now returns monotonic seconds since the package was first loaded. It never
// observes wall-clock adjustments: time.Since on a time.Time obtained from
// time.Now carries Go's monotonic reading, which is what we want here.
func Now() float64 {
	return time.Since(start).Seconds()
}
