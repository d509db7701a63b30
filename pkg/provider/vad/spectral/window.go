package spectral

import "math"

// blackman returns the analyser window: a0 - a1*cos(2πn/N) + a2*cos(4πn/N)
// with alpha 0.16.
func blackman(n int) []float64 {
	const (
		a0 = 0.42
		a1 = 0.5
		a2 = 0.08
	)
	w := make([]float64, n)
	for i := range w {
		x := float64(i) / float64(n)
		w[i] = a0 - a1*math.Cos(2*math.Pi*x) + a2*math.Cos(4*math.Pi*x)
	}
	return w
}
