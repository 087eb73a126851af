// Package stats provides the numeric kernels shared by the fairness engine:
// bootstrap and normal-approximation confidence intervals, expected
// calibration error, and the two-sample Kolmogorov-Smirnov test used for
// score-distribution drift.
package stats

import (
	"math"
	"math/rand"
	"sort"
)

// Mean returns the arithmetic mean, or 0 for an empty slice.
func Mean(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range data {
		sum += v
	}
	return sum / float64(len(data))
}

// StdDev returns the population standard deviation.
func StdDev(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	mean := Mean(data)
	variance := 0.0
	for _, v := range data {
		diff := v - mean
		variance += diff * diff
	}
	return math.Sqrt(variance / float64(len(data)))
}

// Percentiles returns the p1 and p2 percentiles of data. The input is not
// mutated.
func Percentiles(data []float64, p1, p2 float64) [2]float64 {
	if len(data) == 0 {
		return [2]float64{0, 0}
	}
	sorted := make([]float64, len(data))
	copy(sorted, data)
	sort.Float64s(sorted)

	n := len(sorted)
	idx1 := int(float64(n) * p1)
	idx2 := int(float64(n) * p2)
	if idx1 >= n {
		idx1 = n - 1
	}
	if idx2 >= n {
		idx2 = n - 1
	}
	return [2]float64{sorted[idx1], sorted[idx2]}
}

// BootstrapCI estimates a 95% percentile confidence interval for a
// two-sample statistic by resampling record indices with replacement.
// The stat callback receives index slices into the original samples; it is
// called once per resample. Seeded, so a fixed seed yields a fixed interval.
func BootstrapCI(nA, nB, resamples int, seed int64, stat func(idxA, idxB []int) float64) (float64, float64) {
	if nA == 0 || nB == 0 || resamples <= 0 {
		return 0, 0
	}

	rng := rand.New(rand.NewSource(seed))
	idxA := make([]int, nA)
	idxB := make([]int, nB)
	values := make([]float64, resamples)

	for b := 0; b < resamples; b++ {
		for i := 0; i < nA; i++ {
			idxA[i] = rng.Intn(nA)
		}
		for i := 0; i < nB; i++ {
			idxB[i] = rng.Intn(nB)
		}
		values[b] = stat(idxA, idxB)
	}

	ci := Percentiles(values, 0.025, 0.975)
	return ci[0], ci[1]
}

// NormalDiffCI returns the 95% normal-approximation interval for a
// difference of proportions pA - pB with sample sizes nA and nB.
func NormalDiffCI(pA float64, nA int, pB float64, nB int) (float64, float64) {
	if nA == 0 || nB == 0 {
		return 0, 0
	}
	diff := pA - pB
	se := math.Sqrt(pA*(1-pA)/float64(nA) + pB*(1-pB)/float64(nB))
	return diff - 1.96*se, diff + 1.96*se
}

// ECE computes the expected calibration error over equal-width score
// buckets, weighted by bucket population.
func ECE(scores []float64, labels []int, numBins int) float64 {
	if numBins <= 0 {
		numBins = 10
	}
	binCounts := make([]int, numBins)
	binPositives := make([]int, numBins)
	binScoreSums := make([]float64, numBins)

	for i, score := range scores {
		bin := int(score * float64(numBins))
		if bin >= numBins {
			bin = numBins - 1
		}
		binCounts[bin]++
		binScoreSums[bin] += score
		if labels[i] == 1 {
			binPositives[bin]++
		}
	}

	totalError := 0.0
	totalSamples := 0
	for b := 0; b < numBins; b++ {
		if binCounts[b] == 0 {
			continue
		}
		avgScore := binScoreSums[b] / float64(binCounts[b])
		trueFreq := float64(binPositives[b]) / float64(binCounts[b])
		totalError += math.Abs(avgScore-trueFreq) * float64(binCounts[b])
		totalSamples += binCounts[b]
	}

	if totalSamples == 0 {
		return 0
	}
	return totalError / float64(totalSamples)
}

// KSStatistic computes the two-sample Kolmogorov-Smirnov statistic
// D = max |F1(x) - F2(x)| over the merged empirical CDFs.
func KSStatistic(sample1, sample2 []float64) float64 {
	s1 := make([]float64, len(sample1))
	s2 := make([]float64, len(sample2))
	copy(s1, sample1)
	copy(s2, sample2)
	sort.Float64s(s1)
	sort.Float64s(s2)

	n1, n2 := float64(len(s1)), float64(len(s2))

	i, j := 0, 0
	maxD := 0.0
	for i < len(s1) && j < len(s2) {
		d1, d2 := s1[i], s2[j]
		cdf1 := float64(i) / n1
		cdf2 := float64(j) / n2
		diff := math.Abs(cdf1 - cdf2)
		if diff > maxD {
			maxD = diff
		}
		if d1 < d2 {
			i++
		} else if d2 < d1 {
			j++
		} else {
			i++
			j++
		}
	}
	for i < len(s1) {
		diff := math.Abs(float64(i)/n1 - 1.0)
		if diff > maxD {
			maxD = diff
		}
		i++
	}
	for j < len(s2) {
		diff := math.Abs(1.0 - float64(j)/n2)
		if diff > maxD {
			maxD = diff
		}
		j++
	}

	return maxD
}

// KSPValue approximates P(D > d) under the Kolmogorov distribution using
// the first ten terms of the alternating series.
func KSPValue(lambda float64) float64 {
	if lambda <= 0 {
		return 1.0
	}
	sum := 0.0
	for k := 1; k <= 10; k++ {
		sign := 1.0
		if k%2 == 0 {
			sign = -1.0
		}
		sum += sign * math.Exp(-2*float64(k*k)*lambda*lambda)
	}
	p := 2 * sum
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	return p
}

// KSTest runs the two-sample KS test and returns the statistic with its
// approximate p-value, scaling by the effective sample size.
func KSTest(sample1, sample2 []float64) (float64, float64) {
	if len(sample1) == 0 || len(sample2) == 0 {
		return 0, 1.0
	}
	d := KSStatistic(sample1, sample2)
	n1, n2 := float64(len(sample1)), float64(len(sample2))
	ne := (n1 * n2) / (n1 + n2)
	lambda := math.Sqrt(ne) * d
	return d, KSPValue(lambda)
}
