package forecasting

import (
	"errors"
	"math"
)

// ErrInsufficientData is returned when a series is too short for the model
// order.
var ErrInsufficientData = errors.New("insufficient data points for model")

// ARIMA is an AutoRegressive Integrated Moving Average model ARIMA(p, d, q):
//   - p: number of autoregressive terms
//   - d: number of differences applied before fitting
//   - q: number of moving average terms
//
// AR coefficients come from the Yule-Walker equations solved by
// Levinson-Durbin recursion. MA coefficients are approximated from the
// autocorrelation of the AR residuals.
type ARIMA struct {
	p, d, q int

	ar   []float64
	ma   []float64
	mean float64

	// last value of the series at each differencing order 0..d-1
	levels []float64
	// centered differenced series and its residuals
	z     []float64
	resid []float64

	fitted bool
}

// NewARIMA creates an unfitted model. Negative orders are treated as zero.
func NewARIMA(p, d, q int) *ARIMA {
	return &ARIMA{p: max(p, 0), d: max(d, 0), q: max(q, 0)}
}

// Order returns (p, d, q).
func (a *ARIMA) Order() (int, int, int) { return a.p, a.d, a.q }

// MinimumPoints is the shortest series Fit accepts.
func (a *ARIMA) MinimumPoints() int {
	return max(a.p, a.q) + a.d + 2
}

// Fit estimates the model from series, oldest value first.
func (a *ARIMA) Fit(series []float64) error {
	if len(series) < a.MinimumPoints() {
		return ErrInsufficientData
	}

	a.levels = make([]float64, a.d)
	w := series
	for k := 0; k < a.d; k++ {
		a.levels[k] = w[len(w)-1]
		w = difference(w)
	}

	a.mean = mean(w)
	a.z = make([]float64, len(w))
	for i, v := range w {
		a.z[i] = v - a.mean
	}

	a.ar = levinsonDurbin(autocorrelation(a.z, a.p), a.p)

	// AR-only residuals seed the MA estimate
	a.ma = make([]float64, a.q)
	a.resid = a.residuals()
	if a.q > 0 {
		acf := autocorrelation(a.resid, a.q)
		for j := 0; j < a.q; j++ {
			a.ma[j] = clamp(acf[j+1], -0.95, 0.95)
		}
		a.resid = a.residuals()
	}

	a.fitted = true
	return nil
}

// Forecast predicts the next steps values of the original series.
func (a *ARIMA) Forecast(steps int) ([]float64, error) {
	if !a.fitted {
		return nil, errors.New("model not fitted")
	}
	if steps <= 0 {
		return nil, errors.New("steps must be positive")
	}

	n := len(a.z)
	z := append(make([]float64, 0, n+steps), a.z...)
	for h := 0; h < steps; h++ {
		t := n + h
		next := 0.0
		for i, phi := range a.ar {
			if t-i-1 >= 0 {
				next += phi * z[t-i-1]
			}
		}
		// future shocks are zero, so only residuals already observed count
		for j, theta := range a.ma {
			if k := t - j - 1; k >= 0 && k < n {
				next += theta * a.resid[k]
			}
		}
		z = append(z, next)
	}

	out := make([]float64, steps)
	for i := range out {
		out[i] = z[n+i] + a.mean
	}
	for k := a.d - 1; k >= 0; k-- {
		level := a.levels[k]
		for i := range out {
			level += out[i]
			out[i] = level
		}
	}
	return out, nil
}

// StdError is the root mean square of the in-sample residuals.
func (a *ARIMA) StdError() float64 {
	if len(a.resid) == 0 {
		return 0
	}
	sum := 0.0
	for _, r := range a.resid {
		sum += r * r
	}
	return math.Sqrt(sum / float64(len(a.resid)))
}

func (a *ARIMA) residuals() []float64 {
	resid := make([]float64, len(a.z))
	for t := range a.z {
		pred := 0.0
		for i, phi := range a.ar {
			if t-i-1 >= 0 {
				pred += phi * a.z[t-i-1]
			}
		}
		for j, theta := range a.ma {
			if t-j-1 >= 0 {
				pred += theta * resid[t-j-1]
			}
		}
		resid[t] = a.z[t] - pred
	}
	return resid
}

func difference(series []float64) []float64 {
	out := make([]float64, len(series)-1)
	for i := 1; i < len(series); i++ {
		out[i-1] = series[i] - series[i-1]
	}
	return out
}

// autocorrelation returns r[0..maxLag] of series. A constant series has
// r[0] = 1 and zero at every other lag.
func autocorrelation(series []float64, maxLag int) []float64 {
	r := make([]float64, maxLag+1)
	r[0] = 1
	n := len(series)
	m := mean(series)

	variance := 0.0
	for _, v := range series {
		variance += (v - m) * (v - m)
	}
	if variance == 0 {
		return r
	}
	for lag := 1; lag <= maxLag && lag < n; lag++ {
		cov := 0.0
		for i := lag; i < n; i++ {
			cov += (series[i] - m) * (series[i-lag] - m)
		}
		r[lag] = cov / variance
	}
	return r
}

// levinsonDurbin solves the Yule-Walker equations of order p given the
// autocorrelations r[0..p].
func levinsonDurbin(r []float64, p int) []float64 {
	phi := make([]float64, p)
	prev := make([]float64, p)
	v := r[0]
	for k := 1; k <= p; k++ {
		if v <= 0 {
			break
		}
		acc := r[k]
		for j := 1; j < k; j++ {
			acc -= prev[j-1] * r[k-j]
		}
		refl := acc / v
		phi[k-1] = refl
		for j := 1; j < k; j++ {
			phi[j-1] = prev[j-1] - refl*prev[k-j-1]
		}
		v *= 1 - refl*refl
		copy(prev, phi)
	}
	return phi
}

func mean(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range series {
		sum += v
	}
	return sum / float64(len(series))
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
