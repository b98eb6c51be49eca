package anomaly

import (
	"fmt"
	"strings"
	"time"
)

// Kind selects the detection strategy.
type Kind string

const (
	KindGlobal   Kind = "global"
	KindChange   Kind = "change"
	KindTimespan Kind = "timespan"
	KindForecast Kind = "forecast"
)

// ParseKind parses a kind name case-insensitively.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindGlobal, KindChange, KindTimespan, KindForecast:
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidConfiguration, s)
}

// OutlierType is the tag given to points this kind rejects.
func (k Kind) OutlierType() AnomalyType {
	switch k {
	case KindGlobal:
		return GlobalOutlier
	case KindChange:
		return ContextualOutlier
	case KindTimespan:
		return TimespanOutlier
	case KindForecast:
		return ForecastOutlier
	}
	return Unchecked
}

// Alarm describes the alarm raised when the strategy rejects a value.
// Content may contain the %ASSET_ID% and %ATTRIBUTE_NAME% placeholders.
type Alarm struct {
	Severity string `json:"severity" mapstructure:"severity"`
	Assignee string `json:"assignee,omitempty" mapstructure:"assignee"`
	Content  string `json:"content" mapstructure:"content"`
}

// Configuration is the per-attribute anomaly detection configuration.
//
// Deviation is a percentage (0..100) of the calibrated band for the global,
// change and timespan kinds, and an absolute tolerance for forecast.
type Configuration struct {
	Name              string        `json:"name" mapstructure:"name"`
	Kind              Kind          `json:"kind" mapstructure:"kind"`
	Deviation         float64       `json:"deviation" mapstructure:"deviation"`
	MinimumDatapoints int           `json:"minimum_datapoints" mapstructure:"minimum_datapoints"`
	StalenessWindow   time.Duration `json:"staleness_window" mapstructure:"staleness_window"`
	Disabled          bool          `json:"disabled,omitempty" mapstructure:"disabled"`
	Alarm             *Alarm        `json:"alarm,omitempty" mapstructure:"alarm"`
}

// DisplayName is the configuration name, falling back to the kind.
func (c Configuration) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return string(c.Kind)
}

// Validate checks the configuration is usable by a strategy.
func (c Configuration) Validate() error {
	if _, err := ParseKind(string(c.Kind)); err != nil {
		return err
	}
	if c.Deviation < 0 {
		return fmt.Errorf("%w: deviation must not be negative, got %g", ErrInvalidConfiguration, c.Deviation)
	}
	if c.Kind != KindForecast && c.Deviation > 100 {
		return fmt.Errorf("%w: deviation must be between 0 and 100 percent, got %g", ErrInvalidConfiguration, c.Deviation)
	}
	if c.MinimumDatapoints < 1 {
		return fmt.Errorf("%w: minimum_datapoints must be at least 1, got %d", ErrInvalidConfiguration, c.MinimumDatapoints)
	}
	if c.StalenessWindow <= 0 {
		return fmt.Errorf("%w: staleness_window must be positive, got %s", ErrInvalidConfiguration, c.StalenessWindow)
	}
	if c.Alarm != nil && c.Alarm.Severity == "" {
		return fmt.Errorf("%w: alarm severity is required", ErrInvalidConfiguration)
	}
	return nil
}

func (c Configuration) deviationRatio() float64 {
	return c.Deviation / 100
}

func (c Configuration) windowMillis() int64 {
	return c.StalenessWindow.Milliseconds()
}
