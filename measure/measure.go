// Package measure accumulates Monte Carlo time series with a logarithmic binning analysis.
package measure

import (
	"fmt"
	"math"
)

// Observable is a running binning analysis.
// Level i holds the means of consecutive blocks of 2^i samples.
type Observable struct {
	name    string
	sums    []float64
	squares []float64
	last    []float64
	n       []int
}

// New returns an empty observable.
func New(name string) *Observable {
	return &Observable{name: name}
}

// Name returns the name of the observable.
func (o *Observable) Name() string { return o.name }

// Add appends a sample.
func (o *Observable) Add(x float64) {
	for i := 0; ; i++ {
		if i == len(o.n) {
			o.sums = append(o.sums, 0)
			o.squares = append(o.squares, 0)
			o.last = append(o.last, 0)
			o.n = append(o.n, 0)
		}
		o.sums[i] += x
		o.squares[i] += x * x
		o.n[i]++
		if o.n[i]%2 == 1 {
			o.last[i] = x
			return
		}
		// Pair complete, promote its mean to the next level.
		x = (x + o.last[i]) / 2
	}
}

// Samples returns the number of samples added.
func (o *Observable) Samples() int {
	if len(o.n) == 0 {
		return 0
	}
	return o.n[0]
}

// Bins returns the number of binning levels.
func (o *Observable) Bins() int { return len(o.n) }

// Mean returns the sample mean.
func (o *Observable) Mean() float64 { return o.MeanAt(0) }

// MeanAt returns the mean of the complete pairs promoted to level i.
func (o *Observable) MeanAt(i int) float64 {
	if i >= len(o.n) || o.n[i] == 0 {
		return math.NaN()
	}
	return o.sums[i] / float64(o.n[i])
}

// Variance returns the population variance of the bin means at level i.
func (o *Observable) Variance(i int) float64 {
	if i >= len(o.n) || o.n[i] == 0 {
		return math.NaN()
	}
	m := o.MeanAt(i)
	return max(o.squares[i]/float64(o.n[i])-m*m, 0)
}

// ErrorAt returns the standard error of the mean estimated from level i.
func (o *Observable) ErrorAt(i int) float64 {
	if i >= len(o.n) || o.n[i] < 2 {
		return math.NaN()
	}
	return math.Sqrt(o.Variance(i) / float64(o.n[i]-1))
}

// Error returns the standard error from the highest level with at least 64 bins.
func (o *Observable) Error() float64 {
	return o.ErrorAt(o.level())
}

// Time returns the integrated autocorrelation time estimated from level i.
func (o *Observable) Time(i int) float64 {
	e0, ei := o.ErrorAt(0), o.ErrorAt(i)
	if e0 == 0 {
		return 0
	}
	return ((ei*ei)/(e0*e0) - 1) / 2
}

// AutocorrelationTime returns Time at the level used by Error.
func (o *Observable) AutocorrelationTime() float64 {
	return o.Time(o.level())
}

func (o *Observable) level() int {
	l := 0
	for i, n := range o.n {
		if n >= 64 {
			l = i
		}
	}
	return l
}

func (o *Observable) String() string {
	return fmt.Sprintf("%s: %g ± %g (τ %.2f, %d samples)", o.name, o.Mean(), o.Error(), o.AutocorrelationTime(), o.Samples())
}
