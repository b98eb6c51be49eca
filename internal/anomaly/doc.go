// Package anomaly classifies time-series values of a monitored attribute.
//
// Responsibilities:
//   - Hold per-attribute calibration state derived from historical datapoints
//   - Classify a new value as valid or as an outlier of the configured kind
//   - Report when calibration state has gone stale and must be rebuilt
//   - Expose the acceptance interval for diagnostics and charts
//
// Detection Strategies:
//
//  1. Global
//     - Observed [min, max] range widened by deviation% of its width
//     - Tag: GLOBAL_OUTLIER
//
//  2. Change
//     - Signed step between consecutive readings, bounded by the smallest and
//     biggest step seen
//     - Tag: CONTEXTUAL_OUTLIER
//
//  3. Timespan
//     - Inter-arrival gap between readings; only overly long gaps are rejected
//     - Tag: TIMESPAN_OUTLIER
//
//  4. Forecast
//     - Distance from a linearly interpolated, externally supplied prediction
//     curve; the deviation is absolute for this strategy
//     - Tag: FORECAST_OUTLIER
//
// Strategies are not safe for concurrent use. The dispatcher serializes calls
// per attribute.
package anomaly
