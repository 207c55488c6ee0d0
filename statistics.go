package txkv

// statistics.go implements the Statistics interface for collecting
// transaction metrics.

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// TickerType represents different types of counters.
type TickerType int

const (
	// TickerReadTxns is the count of read transactions started.
	TickerReadTxns TickerType = iota
	// TickerWriteTxns is the count of write transactions started.
	TickerWriteTxns
	// TickerCommits is the count of committed write transactions.
	TickerCommits
	// TickerAborts is the count of aborted write transactions.
	TickerAborts
	// TickerKeysRead is the count of keys looked up.
	TickerKeysRead
	// TickerKeysNotFound is the count of lookups that found nothing.
	TickerKeysNotFound
	// TickerKeysWritten is the count of keys put.
	TickerKeysWritten
	// TickerKeysDeleted is the count of keys actually removed.
	TickerKeysDeleted
	// TickerBytesRead is the total encoded value bytes read.
	TickerBytesRead
	// TickerBytesWritten is the total encoded key and value bytes written.
	TickerBytesWritten
	// TickerEncodingErrors is the count of coder failures.
	TickerEncodingErrors
	// TickerCancelled is the count of callers whose context ended first.
	TickerCancelled
	// TickerFatalErrors is the count of fatal engine errors.
	TickerFatalErrors

	// TickerEnumMax is the maximum ticker type for sizing arrays.
	TickerEnumMax
)

var tickerNames = [TickerEnumMax]string{
	"txkv.txn.read",
	"txkv.txn.write",
	"txkv.txn.commit",
	"txkv.txn.abort",
	"txkv.keys.read",
	"txkv.keys.notfound",
	"txkv.keys.written",
	"txkv.keys.deleted",
	"txkv.bytes.read",
	"txkv.bytes.written",
	"txkv.encoding.errors",
	"txkv.cancelled",
	"txkv.fatal.errors",
}

// String returns the name of the ticker type.
func (t TickerType) String() string {
	if t >= 0 && t < TickerEnumMax {
		return tickerNames[t]
	}
	return "unknown"
}

// HistogramType represents different types of histograms.
type HistogramType int

const (
	// HistogramReadTxnMicros is the duration of read transactions.
	HistogramReadTxnMicros HistogramType = iota
	// HistogramWriteTxnMicros is the duration of write transactions,
	// commit included.
	HistogramWriteTxnMicros
	// HistogramQueueWaitMicros is the time work waited for the write queue
	// and a worker.
	HistogramQueueWaitMicros
	// HistogramBytesPerRead is the encoded size of values read.
	HistogramBytesPerRead
	// HistogramBytesPerWrite is the encoded size of values written.
	HistogramBytesPerWrite

	// HistogramEnumMax is the maximum histogram type for sizing arrays.
	HistogramEnumMax
)

var histogramNames = [HistogramEnumMax]string{
	"txkv.txn.read.micros",
	"txkv.txn.write.micros",
	"txkv.queue.wait.micros",
	"txkv.bytes.per.read",
	"txkv.bytes.per.write",
}

// String returns the name of the histogram type.
func (h HistogramType) String() string {
	if h >= 0 && h < HistogramEnumMax {
		return histogramNames[h]
	}
	return "unknown"
}

// HistogramData contains histogram statistics.
type HistogramData struct {
	Average float64
	Max     float64
	Min     float64
	Count   uint64
	Sum     uint64
}

// Statistics collects and reports environment metrics.
type Statistics interface {
	// GetTickerCount returns the current value of a ticker.
	GetTickerCount(tickerType TickerType) uint64

	// RecordTick increments a ticker by count.
	RecordTick(tickerType TickerType, count uint64)

	// SetTickerCount sets the ticker to a specific value.
	SetTickerCount(tickerType TickerType, count uint64)

	// GetHistogramData returns histogram statistics.
	GetHistogramData(histogramType HistogramType) HistogramData

	// MeasureTime records a value to a histogram.
	MeasureTime(histogramType HistogramType, value uint64)

	// Reset clears all statistics.
	Reset()

	// String returns a formatted string of all statistics.
	String() string
}

// statisticsImpl is the default implementation of Statistics.
type statisticsImpl struct {
	tickers    [TickerEnumMax]atomic.Uint64
	histograms [HistogramEnumMax]atomic.Pointer[histogramImpl]
}

// histogramImpl keeps count, sum and extremes. Percentiles would need the
// samples themselves.
type histogramImpl struct {
	min   atomic.Uint64
	max   atomic.Uint64
	sum   atomic.Uint64
	count atomic.Uint64
}

func newHistogram() *histogramImpl {
	h := &histogramImpl{}
	h.min.Store(^uint64(0))
	return h
}

// NewStatistics creates a new Statistics instance.
func NewStatistics() Statistics {
	s := &statisticsImpl{}
	for i := range s.histograms {
		s.histograms[i].Store(newHistogram())
	}
	return s
}

// GetTickerCount returns the current value of a ticker.
func (s *statisticsImpl) GetTickerCount(tickerType TickerType) uint64 {
	if tickerType < 0 || tickerType >= TickerEnumMax {
		return 0
	}
	return s.tickers[tickerType].Load()
}

// RecordTick increments a ticker by count.
func (s *statisticsImpl) RecordTick(tickerType TickerType, count uint64) {
	if tickerType < 0 || tickerType >= TickerEnumMax {
		return
	}
	s.tickers[tickerType].Add(count)
}

// SetTickerCount sets the ticker to a specific value.
func (s *statisticsImpl) SetTickerCount(tickerType TickerType, count uint64) {
	if tickerType < 0 || tickerType >= TickerEnumMax {
		return
	}
	s.tickers[tickerType].Store(count)
}

// GetHistogramData returns histogram statistics.
func (s *statisticsImpl) GetHistogramData(histogramType HistogramType) HistogramData {
	if histogramType < 0 || histogramType >= HistogramEnumMax {
		return HistogramData{}
	}

	h := s.histograms[histogramType].Load()
	count := h.count.Load()
	if count == 0 {
		return HistogramData{}
	}
	sum := h.sum.Load()
	return HistogramData{
		Count:   count,
		Sum:     sum,
		Min:     float64(h.min.Load()),
		Max:     float64(h.max.Load()),
		Average: float64(sum) / float64(count),
	}
}

// MeasureTime records a value to a histogram.
func (s *statisticsImpl) MeasureTime(histogramType HistogramType, value uint64) {
	if histogramType < 0 || histogramType >= HistogramEnumMax {
		return
	}

	h := s.histograms[histogramType].Load()
	h.count.Add(1)
	h.sum.Add(value)

	for {
		old := h.min.Load()
		if value >= old || h.min.CompareAndSwap(old, value) {
			break
		}
	}
	for {
		old := h.max.Load()
		if value <= old || h.max.CompareAndSwap(old, value) {
			break
		}
	}
}

// Reset clears all statistics.
func (s *statisticsImpl) Reset() {
	for i := range s.tickers {
		s.tickers[i].Store(0)
	}
	for i := range s.histograms {
		s.histograms[i].Store(newHistogram())
	}
}

// String returns a formatted string of all statistics.
func (s *statisticsImpl) String() string {
	var b strings.Builder

	b.WriteString("TICKERS:\n")
	for i := range TickerEnumMax {
		if count := s.GetTickerCount(i); count > 0 {
			fmt.Fprintf(&b, "  %s : %d\n", i, count)
		}
	}

	b.WriteString("\nHISTOGRAMS:\n")
	for i := range HistogramEnumMax {
		data := s.GetHistogramData(i)
		if data.Count > 0 {
			fmt.Fprintf(&b, "  %s :\n", i)
			fmt.Fprintf(&b, "    Count: %d\n", data.Count)
			fmt.Fprintf(&b, "    Avg: %.2f\n", data.Average)
			fmt.Fprintf(&b, "    Min: %.2f\n", data.Min)
			fmt.Fprintf(&b, "    Max: %.2f\n", data.Max)
		}
	}
	return b.String()
}

// nopStatistics is used when Options.Statistics is nil.
type nopStatistics struct{}

func (nopStatistics) GetTickerCount(TickerType) uint64 { return 0 }

func (nopStatistics) RecordTick(TickerType, uint64) {}

func (nopStatistics) SetTickerCount(TickerType, uint64) {}

func (nopStatistics) GetHistogramData(HistogramType) HistogramData { return HistogramData{} }

func (nopStatistics) MeasureTime(HistogramType, uint64) {}

func (nopStatistics) Reset() {}

func (nopStatistics) String() string { return "" }
