package pipeline

import (
	"sync/atomic"
	"time"
)

// statsCollector tracks pipeline outcome counters with atomic updates.
type statsCollector struct {
	persisted   int64
	skipped     int64
	noKey       int64
	noData      int64
	fetchErrors int64
	records     int64

	totalDuration int64 // nanoseconds
	processed     int64
}

// Stats is a point-in-time snapshot of pipeline counters.
type Stats struct {
	Processed   int64
	Persisted   int64
	Skipped     int64
	NoKey       int64
	NoData      int64
	FetchErrors int64
	Records     int64
	AvgDuration time.Duration
}

func newStatsCollector() *statsCollector {
	return &statsCollector{}
}

// record counts one terminal outcome.
func (s *statsCollector) record(o Outcome, duration time.Duration) {
	switch o.Status {
	case StatusPersisted:
		atomic.AddInt64(&s.persisted, 1)
		atomic.AddInt64(&s.records, int64(o.RecordCount))
	case StatusSkipped:
		atomic.AddInt64(&s.skipped, 1)
	case StatusNoKey:
		atomic.AddInt64(&s.noKey, 1)
	case StatusNoData:
		atomic.AddInt64(&s.noData, 1)
	case StatusFetchError:
		atomic.AddInt64(&s.fetchErrors, 1)
	}
	atomic.AddInt64(&s.processed, 1)
	atomic.AddInt64(&s.totalDuration, duration.Nanoseconds())
}

// snapshot returns the current counters.
func (s *statsCollector) snapshot() Stats {
	processed := atomic.LoadInt64(&s.processed)
	var avg time.Duration
	if processed > 0 {
		avg = time.Duration(atomic.LoadInt64(&s.totalDuration) / processed)
	}
	return Stats{
		Processed:   processed,
		Persisted:   atomic.LoadInt64(&s.persisted),
		Skipped:     atomic.LoadInt64(&s.skipped),
		NoKey:       atomic.LoadInt64(&s.noKey),
		NoData:      atomic.LoadInt64(&s.noData),
		FetchErrors: atomic.LoadInt64(&s.fetchErrors),
		Records:     atomic.LoadInt64(&s.records),
		AvgDuration: avg,
	}
}
