package scoring

import "github.com/snehjoshi/slotify/internal/types"

// band describes the normal and critical range of one vital sign. A reading
// outside [critLow, critHigh] is critical; a reading outside [normLow,
// normHigh] but inside the critical band is abnormal. Zero bounds are open.
type band struct {
	normLow, normHigh float64
	critLow, critHigh float64
}

const (
	criticalVitalPoints = 40
	abnormalVitalPoints = 15
)

var (
	systolicBand  = band{normLow: 90, normHigh: 140, critLow: 70, critHigh: 180}
	diastolicBand = band{normLow: 60, normHigh: 90, critLow: 40, critHigh: 120}
	heartRateBand = band{normLow: 60, normHigh: 100, critLow: 40, critHigh: 150}
	tempBand      = band{normLow: 36.1, normHigh: 37.8, critLow: 35, critHigh: 40}
	spo2Band      = band{normLow: 95, critLow: 90}
)

func (b band) points(v float64) float64 {
	if v == 0 {
		return 0
	}
	if v < b.critLow || (b.critHigh > 0 && v > b.critHigh) {
		return criticalVitalPoints
	}
	if v < b.normLow || (b.normHigh > 0 && v > b.normHigh) {
		return abnormalVitalPoints
	}
	return 0
}

// VitalsScore sums per-sign points and caps the total at 100.
func VitalsScore(v types.Vitals) float64 {
	total := systolicBand.points(v.SystolicBP) +
		diastolicBand.points(v.DiastolicBP) +
		heartRateBand.points(v.HeartRate) +
		tempBand.points(v.Temperature) +
		spo2Band.points(v.OxygenSaturation)
	return clamp(total, 0, 100)
}

// mergeVitals fills unmeasured signs from vitals extracted out of uploaded
// documents. Measured values always win; among documents the first one that
// carries a sign is used.
func mergeVitals(v types.Vitals, docs []types.DocumentSignal) types.Vitals {
	fill := func(dst *float64, key string) {
		if *dst != 0 {
			return
		}
		for _, d := range docs {
			if x, ok := d.ExtractedVitals[key]; ok && x != 0 {
				*dst = x
				return
			}
		}
	}
	fill(&v.SystolicBP, "systolic_bp")
	fill(&v.DiastolicBP, "diastolic_bp")
	fill(&v.HeartRate, "heart_rate")
	fill(&v.Temperature, "temperature")
	fill(&v.OxygenSaturation, "oxygen_saturation")
	return v
}
