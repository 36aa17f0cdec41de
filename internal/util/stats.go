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

// Stats is the process-wide tunnel traffic counter.
var Stats = &stats{}

type stats struct {
	Queries     atomic.Int64 // cumulative DNS queries issued since process start
	Failures    atomic.Int64 // cumulative failed round trips (timeout, SERVFAIL, undecodable)
	Retransmits atomic.Int64 // cumulative packet retransmissions
	BytesSent   atomic.Int64 // cumulative payload bytes carried in queries
	BytesRecv   atomic.Int64 // cumulative payload bytes extracted from answers
}

func (s *stats) AddQuery()      { s.Queries.Add(1) }
func (s *stats) AddFailure()    { s.Failures.Add(1) }
func (s *stats) AddRetransmit() { s.Retransmits.Add(1) }
func (s *stats) AddSent(n int)  { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int)  { s.BytesRecv.Add(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs tunnel statistics
// every 30 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv, prevQueries int64
		for {
			select {
			case <-ticker.C:
				queries := Stats.Queries.Load()
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()

				outS := float64(sent-prevSent) / 30.0
				inS := float64(recv-prevRecv) / 30.0
				q := queries - prevQueries

				if q > 0 {
					pterm.DefaultLogger.Info(formatStats(outS, inS, q))
				}

				prevSent = sent
				prevRecv = recv
				prevQueries = queries

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width
// (exactly 8 chars), for example: "99.0   B", " 1.5 KiB", "98.9 GiB".
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(outS, inS float64, queries int64) string {
	return fmt.Sprintf("Out: %s/s | In: %s/s | Queries: %d (%.1f/s)",
		formatBytes(outS),
		formatBytes(inS),
		queries,
		float64(queries)/30.0,
	)
}
