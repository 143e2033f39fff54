package bootstrap

import (
	"math"
	"math/rand/v2"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Dataset is a labelled feature matrix. Labels are 1 for fraud.
type Dataset struct {
	X []domain.FeatureVector
	Y []int
}

// Positives returns the number of fraud-labelled rows.
func (d Dataset) Positives() int {
	n := 0
	for _, y := range d.Y {
		n += y
	}
	return n
}

// Synthesize builds the synthetic training set. Fraud rows carry high
// deduction ratios, depressed income deviation, falling historical income,
// many round figures and unusual timing.
func Synthesize(samples int, fraudRate float64, rng *rand.Rand) Dataset {
	ds := Dataset{
		X: make([]domain.FeatureVector, samples),
		Y: make([]int, samples),
	}

	for i := 0; i < samples; i++ {
		income := math.Exp(10.5 + 0.8*rng.NormFloat64())
		deductions := income * sampleBeta(rng, 2, 5)

		var deviation, change, roundCount, timing float64
		if rng.Float64() < fraudRate {
			ds.Y[i] = 1
			deductions = income * sampleBeta(rng, 5, 2)
			if rng.Float64() < 0.3 {
				income = math.Round(income/1000) * 1000
			}
			deviation = -0.5 + 0.2*rng.NormFloat64()
			change = -0.3 + 0.3*rng.NormFloat64()
			roundCount = float64(2 + rng.IntN(2))
			timing = 0.7 + 0.3*rng.Float64()
		} else {
			deviation = 0.1 * rng.NormFloat64()
			change = 0.1 * rng.NormFloat64()
			roundCount = float64(rng.IntN(2))
			timing = 0.3 * rng.Float64()
		}

		ratio := 0.0
		if income > 0 {
			ratio = deductions / income
		}

		ds.X[i] = domain.FeatureVector{
			math.Log1p(income),
			math.Log1p(deductions),
			ratio,
			deviation,
			change,
			roundCount,
			timing,
		}
	}
	return ds
}

// sampleBeta draws from Beta(a, b) as a ratio of gamma variates.
func sampleBeta(rng *rand.Rand, a, b float64) float64 {
	x := sampleGamma(rng, a)
	y := sampleGamma(rng, b)
	return x / (x + y)
}

// sampleGamma draws from Gamma(shape, 1) using Marsaglia and Tsang's
// method. shape must be >= 1.
func sampleGamma(rng *rand.Rand, shape float64) float64 {
	d := shape - 1.0/3.0
	c := 1 / math.Sqrt(9*d)
	for {
		x := rng.NormFloat64()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}

// fitScaler computes per-slot mean and population standard deviation.
// Constant slots get a scale of 1.
func fitScaler(X []domain.FeatureVector) (mean, scale []float64) {
	mean = make([]float64, domain.FeatureCount)
	scale = make([]float64, domain.FeatureCount)
	n := float64(len(X))
	for _, row := range X {
		for j, x := range row {
			mean[j] += x
		}
	}
	for j := range mean {
		mean[j] /= n
	}
	for _, row := range X {
		for j, x := range row {
			d := x - mean[j]
			scale[j] += d * d
		}
	}
	for j := range scale {
		scale[j] = math.Sqrt(scale[j] / n)
		if scale[j] == 0 {
			scale[j] = 1
		}
	}
	return mean, scale
}
