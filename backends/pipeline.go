package backends

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/knights-analytics/tbdetect/util/safeconv"
)

// Timings accumulates call counts and durations for one pipeline stage. Safe for concurrent use.
type Timings struct {
	numCalls atomic.Uint64
	totalNS  atomic.Uint64
}

// Track records one call that started at start.
func (t *Timings) Track(start time.Time) {
	t.numCalls.Add(1)
	t.totalNS.Add(safeconv.DurationToU64(time.Since(start)))
}

func (t *Timings) NumCalls() uint64 {
	return t.numCalls.Load()
}

func (t *Timings) Total() time.Duration {
	return safeconv.U64ToDuration(t.totalNS.Load())
}

// Average is the mean duration of a call, 0 before the first call.
func (t *Timings) Average() time.Duration {
	return time.Duration(float64(t.totalNS.Load()) / math.Max(1, float64(t.numCalls.Load())))
}

type StageStatistics struct {
	TotalTime      time.Duration `json:"total_time"`
	ExecutionCount uint64        `json:"execution_count"`
	AvgQueryTime   time.Duration `json:"avg_query_time"`
}

func (t *Timings) Statistics() StageStatistics {
	return StageStatistics{
		TotalTime:      t.Total(),
		ExecutionCount: t.NumCalls(),
		AvgQueryTime:   t.Average(),
	}
}

func (s StageStatistics) String() string {
	return fmt.Sprintf("Total time=%s, Execution count=%d, Average query time=%s", s.TotalTime, s.ExecutionCount, s.AvgQueryTime)
}
