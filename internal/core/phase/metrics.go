package phase

import "time"

// successRateAlpha weights the latest attempt in the moving success rate.
const successRateAlpha = 0.3

// Metrics summarizes the attempts of one phase.
type Metrics struct {
	Attempts     int
	Successes    int
	Failures     int
	SuccessRate  float64
	AvgDuration  time.Duration
	LastDuration time.Duration
}

// Record folds one finished attempt into the metrics: an exponential moving
// average for the success rate and a running mean for the duration.
func (m *Metrics) Record(success bool, d time.Duration) {
	v := 0.0
	if success {
		v = 1.0
		m.Successes++
	} else {
		m.Failures++
	}

	if m.Attempts == 0 {
		m.SuccessRate = v
	} else {
		m.SuccessRate = successRateAlpha*v + (1-successRateAlpha)*m.SuccessRate
	}

	m.Attempts++
	m.AvgDuration += (d - m.AvgDuration) / time.Duration(m.Attempts)
	m.LastDuration = d
}
