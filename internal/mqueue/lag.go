package mqueue

import (
	"fmt"

	"github.com/devrev/pairdb/stream-node/internal/model"
	"github.com/devrev/pairdb/stream-node/internal/watermark"
)

// Lag is the distance between a consumer group and the end of a partition.
// Lower is the committed position, Upper the end of the log.
type Lag struct {
	Lower   int64 `json:"lower"`
	Upper   int64 `json:"upper"`
	Lag     int64 `json:"lag"`
	Members int64 `json:"members"`
}

// NewLag builds the lag of one partition
func NewLag(lower, upper int64) Lag {
	if lower > upper {
		lower = upper
	}
	return Lag{Lower: lower, Upper: upper, Lag: upper - lower, Members: 1}
}

// CombineLags sums per partition lags
func CombineLags(lags []Lag) Lag {
	var ret Lag
	for _, l := range lags {
		ret.Lower += l.Lower
		ret.Upper += l.Upper
		ret.Lag += l.Lag
		ret.Members += l.Members
	}
	return ret
}

func (l Lag) String() string {
	return fmt.Sprintf("Lag{lag=%d, lower=%d, upper=%d, members=%d}", l.Lag, l.Lower, l.Upper, l.Members)
}

// Latency is the watermark distance between the last committed record and the last record
// of a partition
type Latency struct {
	Lag            Lag    `json:"lag"`
	LowerWatermark int64  `json:"lower_watermark"`
	UpperWatermark int64  `json:"upper_watermark"`
	Key            string `json:"key,omitempty"`
}

// NewLatency builds a latency from the records at both ends, either may be nil
func NewLatency(lag Lag, lower, upper *model.Record) Latency {
	ret := Latency{Lag: lag}
	if lower != nil {
		ret.LowerWatermark = lower.Watermark
		ret.Key = lower.Key
	}
	if upper != nil {
		ret.UpperWatermark = upper.Watermark
	}
	return ret
}

// Latency returns the distance in milliseconds, 0 when the group is up to date
func (l Latency) Latency() int64 {
	if l.Lag.Lag == 0 || l.UpperWatermark == 0 {
		return 0
	}
	upper, err := watermark.OfValue(l.UpperWatermark)
	if err != nil {
		return 0
	}
	lower, err := watermark.OfValue(l.LowerWatermark)
	if err != nil || lower.IsLowest() {
		return 0
	}
	if d := upper.Timestamp() - lower.Timestamp(); d > 0 {
		return d
	}
	return 0
}

// CombineLatencies keeps the worst latency and sums the lags
func CombineLatencies(latencies []Latency) Latency {
	var ret Latency
	lags := make([]Lag, 0, len(latencies))
	for _, l := range latencies {
		lags = append(lags, l.Lag)
		if l.Latency() > ret.Latency() || (ret.UpperWatermark == 0 && l.UpperWatermark != 0) {
			ret = l
		}
	}
	ret.Lag = CombineLags(lags)
	return ret
}

func (l Latency) String() string {
	return fmt.Sprintf("Latency{latency=%dms, %s, key=%s}", l.Latency(), l.Lag, l.Key)
}
