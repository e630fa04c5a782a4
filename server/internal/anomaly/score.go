package anomaly

// Weight constants for the heuristic risk score. They must sum to 1.0.
const (
	weightZScore      = 0.40
	weightDegradation = 0.30
	weightCorrelation = 0.20
	weightDensity     = 0.10
)

// Risk levels returned by a Scorer.
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

// Thresholds that map a score to a risk level.
const (
	ThresholdCritical = 75.0
	ThresholdHigh     = 50.0
	ThresholdMedium   = 25.0
)

// zSaturation is the |z| at which the z-score factor reaches full weight.
const zSaturation = 6.0

// Features are the normalised inputs of a risk assessment.
type Features struct {
	// ZScore is the strongest absolute z-score in the window.
	ZScore float64

	// DegradationPct is the p99 increase between window halves, in percent.
	DegradationPct float64

	// Correlation is the strongest coefficient with another operation.
	Correlation float64

	// SampleDensity is the share of expected samples present, 0–1.
	SampleDensity float64
}

// Assessment is a Scorer's verdict.
type Assessment struct {
	Score float64 `json:"score"`
	Level string  `json:"level"`

	ZFactor           float64 `json:"z_factor"`
	DegradationFactor float64 `json:"degradation_factor"`
	CorrelationFactor float64 `json:"correlation_factor"`
	DensityFactor     float64 `json:"density_factor"`
}

// Scorer turns detection evidence into a 0–100 risk score.
type Scorer interface {
	Score(Features) Assessment
}

// HeuristicScorer is the fixed-weight formula:
//
//	score = (
//	    clamp(|z|/6)            * 0.40  +
//	    clamp(degradation/100)  * 0.30  +
//	    clamp(|correlation|)    * 0.20  +
//	    clamp(density)          * 0.10
//	) * 100
type HeuristicScorer struct{}

func (HeuristicScorer) Score(f Features) Assessment {
	z := clamp01(abs(f.ZScore) / zSaturation)
	d := clamp01(f.DegradationPct / 100)
	c := clamp01(abs(f.Correlation))
	n := clamp01(f.SampleDensity)

	score := (z*weightZScore +
		d*weightDegradation +
		c*weightCorrelation +
		n*weightDensity) * 100

	return Assessment{
		Score:             score,
		Level:             levelFromScore(score),
		ZFactor:           z,
		DegradationFactor: d,
		CorrelationFactor: c,
		DensityFactor:     n,
	}
}

func levelFromScore(score float64) string {
	switch {
	case score >= ThresholdCritical:
		return RiskCritical
	case score >= ThresholdHigh:
		return RiskHigh
	case score >= ThresholdMedium:
		return RiskMedium
	default:
		return RiskLow
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
