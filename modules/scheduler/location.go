package scheduler

import (
	"fmt"
	"strconv"
	"time"
)

// Part identifies a worker kind within a partition. It is half of the key
// space used to persist scan checkpoints.
type Part string

const (
	PartDispatcher Part = "D"
	PartJanitor    Part = "J"
)

// CounterSequence is the sentinel sequence referring to the TimeKey counter
// entry itself rather than a message record. It compares less than any real
// sequence for the same time key.
const CounterSequence int32 = -1

// TTLocation addresses one position in a Timetable partition.
type TTLocation struct {
	Partition int32 `json:"partition"`
	TimeKey   int64 `json:"time_key"`
	Sequence  int32 `json:"sequence"`
}

// NewLocation returns a location pointing at the TimeKey counter entry.
func NewLocation(partition int32, timeKey int64) TTLocation {
	return TTLocation{Partition: partition, TimeKey: timeKey, Sequence: CounterSequence}
}

// Less reports whether l orders before o. Locations form a total order by
// lexicographic comparison over (partition, time key, sequence).
func (l TTLocation) Less(o TTLocation) bool {
	if l.Partition != o.Partition {
		return l.Partition < o.Partition
	}
	if l.TimeKey != o.TimeKey {
		return l.TimeKey < o.TimeKey
	}
	return l.Sequence < o.Sequence
}

// After reports whether l orders after o.
func (l TTLocation) After(o TTLocation) bool {
	return o.Less(l)
}

func (l TTLocation) String() string {
	return fmt.Sprintf("P%d:%d:%d", l.Partition, l.TimeKey, l.Sequence)
}

// PT identifies a worker kind for a partition. Checkpoints are keyed by PT.
type PT struct {
	Part      Part
	Partition int32
}

func (pt PT) String() string {
	return fmt.Sprintf("%s/P%d", pt.Part, pt.Partition)
}

// CurrentTimeKey returns the wallclock second the scheduler is operating in.
// Wallclock-second granularity is authoritative for all scheduling decisions.
func CurrentTimeKey() int64 {
	return time.Now().Unix()
}

// timeKeyEntry is the Timetable key holding the message count for a second.
func timeKeyEntry(timeKey int64) string {
	return strconv.FormatInt(timeKey, 10)
}

// messageKey is the Timetable key holding one scheduled message record.
func messageKey(loc TTLocation) string {
	return strconv.FormatInt(loc.TimeKey, 10) + "-" + strconv.FormatInt(int64(loc.Sequence), 10)
}

// checkpointKey is the reserved Timetable key a worker's progress is persisted
// under. The non-digit prefix keeps it out of the TimeKey/MessageKey space.
func checkpointKey(pt PT) string {
	return "__kms-cp-" + string(pt.Part)
}

// prettyDate renders a location's time key as an RFC 3339 UTC timestamp.
func prettyDate(loc TTLocation) string {
	return time.Unix(loc.TimeKey, 0).UTC().Format(time.RFC3339)
}

// locDiff returns how many seconds loc2 trails loc1.
func locDiff(loc1, loc2 TTLocation) int64 {
	return loc1.TimeKey - loc2.TimeKey
}
