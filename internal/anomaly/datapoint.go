package anomaly

import (
	"fmt"
	"sort"
)

// AnomalyType is the classification tag attached to a datapoint after validation.
type AnomalyType string

const (
	Unchecked         AnomalyType = "UNCHECKED"
	Valid             AnomalyType = "VALID"
	GlobalOutlier     AnomalyType = "GLOBAL_OUTLIER"
	ContextualOutlier AnomalyType = "CONTEXTUAL_OUTLIER"
	TimespanOutlier   AnomalyType = "TIMESPAN_OUTLIER"
	ForecastOutlier   AnomalyType = "FORECAST_OUTLIER"
)

// ParseAnomalyType converts a stored tag back into an AnomalyType.
func ParseAnomalyType(s string) (AnomalyType, error) {
	switch t := AnomalyType(s); t {
	case Unchecked, Valid, GlobalOutlier, ContextualOutlier, TimespanOutlier, ForecastOutlier:
		return t, nil
	case "":
		return Unchecked, nil
	}
	return "", fmt.Errorf("unknown anomaly type %q", s)
}

// IsOutlier reports whether the tag marks a rejected datapoint.
func (t AnomalyType) IsOutlier() bool {
	switch t {
	case GlobalOutlier, ContextualOutlier, TimespanOutlier, ForecastOutlier:
		return true
	}
	return false
}

// Trusted reports whether a datapoint with this tag may feed recalibration.
func (t AnomalyType) Trusted() bool {
	return t == Unchecked || t == Valid
}

// AttributeRef identifies a monitored attribute of an asset.
type AttributeRef struct {
	AssetID string `json:"asset_id"`
	Name    string `json:"attribute_name"`
}

func (r AttributeRef) String() string {
	return r.AssetID + ":" + r.Name
}

// Datapoint is a single timestamped reading. Timestamp is in epoch milliseconds.
type Datapoint struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

// ClassifiedDatapoint is a Datapoint with the tag it received when validated.
type ClassifiedDatapoint struct {
	Datapoint
	AnomalyType AnomalyType `json:"anomaly_type"`
}

// Classified wraps a datapoint with the given tag.
func Classified(ts int64, value float64, t AnomalyType) ClassifiedDatapoint {
	return ClassifiedDatapoint{Datapoint: Datapoint{Timestamp: ts, Value: value}, AnomalyType: t}
}

// chronological returns a copy of points in ascending timestamp order.
// The input may be ascending or descending; anything else, including
// repeated timestamps, is rejected with ErrMalformedHistory.
func chronological(points []ClassifiedDatapoint) ([]ClassifiedDatapoint, error) {
	out := make([]ClassifiedDatapoint, len(points))
	copy(out, points)
	if len(out) < 2 {
		return out, nil
	}

	descending := out[0].Timestamp > out[len(out)-1].Timestamp
	if descending {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if !sort.SliceIsSorted(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp }) {
		return nil, fmt.Errorf("%w: timestamps are not monotonic", ErrMalformedHistory)
	}
	for i := 1; i < len(out); i++ {
		if out[i].Timestamp == out[i-1].Timestamp {
			return nil, fmt.Errorf("%w: duplicate timestamp %d", ErrMalformedHistory, out[i].Timestamp)
		}
	}
	return out, nil
}
