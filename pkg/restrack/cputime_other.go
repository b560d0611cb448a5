//go:build !unix

package restrack

import "time"

// cpuTime falls back to zero on platforms without getrusage; only wall time
// is meaningful there.
func cpuTime() time.Duration {
	return 0
}
