package stats

import "time"

// NetworkStats contains throughput statistics for a tunnel's carrier.
type NetworkStats struct {
	// RxBytes is the cumulative bytes received over the carrier.
	RxBytes uint64
	// TxBytes is the cumulative bytes sent over the carrier.
	TxBytes uint64

	// RxBytesPerSec is the current receive rate in bytes per second.
	RxBytesPerSec float64
	// TxBytesPerSec is the current transmit rate in bytes per second.
	TxBytesPerSec float64

	// SessionRxBytes is the total bytes received since connection started.
	SessionRxBytes uint64
	// SessionTxBytes is the total bytes transmitted since connection started.
	SessionTxBytes uint64

	// Duration is the time elapsed since the connection was established.
	Duration time.Duration

	// Timestamp is when these statistics were collected.
	Timestamp time.Time
}
