// Package transfer implements C7: whole-object and partial-object
// read/write, resumable download chunking, atomic temp-file replace
// and progress/throughput telemetry (spec §4.7).
//
// Grounded on link's own Producer/Consumer callback shape (spec §9
// "Streaming callbacks") and on ipp-usb's io.go StatCounter pattern for
// lock-free transfer accounting, generalized here from HTTP byte
// counts to PTP data-phase byte counts.
package transfer

import (
	"sync/atomic"
	"time"
)

// Progress is a lock-free byte-transferred tracker a caller can poll
// while a read or write is in flight (spec §4.7: "Progress is updated
// from the consumer callback under a lock-free tracker").
type Progress struct {
	transferred atomic.Uint64
	total       uint64
	hasTotal    bool
	startedAt   time.Time
}

// NewProgress starts a tracker. hasTotal is false for writes whose
// size the caller chooses not to report up front.
func NewProgress(total uint64, hasTotal bool) *Progress {
	return &Progress{total: total, hasTotal: hasTotal, startedAt: time.Now()}
}

// Add records n freshly transferred bytes.
func (p *Progress) Add(n int) {
	if n > 0 {
		p.transferred.Add(uint64(n))
	}
}

// Transferred returns the cumulative byte count so far.
func (p *Progress) Transferred() uint64 {
	return p.transferred.Load()
}

// Total returns the declared size, if known.
func (p *Progress) Total() (uint64, bool) {
	return p.total, p.hasTotal
}

// ThroughputBps averages bytes/sec since the tracker started, the
// sample recorded on the journal at completion (spec §4.7 Telemetry).
func (p *Progress) ThroughputBps() uint64 {
	elapsed := time.Since(p.startedAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return uint64(float64(p.transferred.Load()) / elapsed)
}
