package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide relay and media counter.
var Stats = &stats{}

type stats struct {
	Published  atomic.Int64 // envelopes written to the relay
	Dropped    atomic.Int64 // publishes discarded while disconnected or backed up
	Received   atomic.Int64 // envelopes read from the relay
	Reconnects atomic.Int64 // successful relay reconnections
	MediaSent  atomic.Int64 // RTP bytes written to local tracks
	MediaRecv  atomic.Int64 // RTP bytes read from remote tracks
}

func (s *stats) AddPublished()      { s.Published.Add(1) }
func (s *stats) AddDropped()        { s.Dropped.Add(1) }
func (s *stats) AddReceived()       { s.Received.Add(1) }
func (s *stats) AddReconnect()      { s.Reconnects.Add(1) }
func (s *stats) AddMediaSent(n int) { s.MediaSent.Add(int64(n)) }
func (s *stats) AddMediaRecv(n int) { s.MediaRecv.Add(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

const reportInterval = 10 * time.Second

// StartStatsReporter launches a goroutine that logs relay and media activity
// every 10 seconds. Quiet intervals are not logged. It stops when ctx is
// cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(reportInterval)
		defer ticker.Stop()

		var prev snapshot
		for {
			select {
			case <-ticker.C:
				cur := takeSnapshot()
				if line, ok := formatDelta(prev, cur, reportInterval.Seconds()); ok {
					pterm.DefaultLogger.Info(line)
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

type snapshot struct {
	published, dropped, received, reconnects, mediaSent, mediaRecv int64
}

func takeSnapshot() snapshot {
	return snapshot{
		published:  Stats.Published.Load(),
		dropped:    Stats.Dropped.Load(),
		received:   Stats.Received.Load(),
		reconnects: Stats.Reconnects.Load(),
		mediaSent:  Stats.MediaSent.Load(),
		mediaRecv:  Stats.MediaRecv.Load(),
	}
}

// formatDelta renders the activity between two snapshots. It reports false
// when nothing happened.
func formatDelta(prev, cur snapshot, seconds float64) (string, bool) {
	pub := cur.published - prev.published
	drop := cur.dropped - prev.dropped
	recv := cur.received - prev.received
	rec := cur.reconnects - prev.reconnects
	outS := float64(cur.mediaSent-prev.mediaSent) / seconds
	inS := float64(cur.mediaRecv-prev.mediaRecv) / seconds

	if pub == 0 && drop == 0 && recv == 0 && rec == 0 && outS <= 10 && inS <= 10 {
		return "", false
	}

	return fmt.Sprintf("Relay: %3d↑ %3d↓ %2d dropped %d reconnects | Media: In %s/s Out %s/s",
		pub, recv, drop, rec, formatBytes(inS), formatBytes(outS)), true
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a fixed-width (8 chars) string,
// for example "99.0   B" or " 1.5 KiB".
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}
