package saturation

import (
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"
)

// kneeFraction of Vmax marks the knee of the saturation curve.
const kneeFraction = 0.9

// Fit is a least squares fit of y = Vmax*x/(Km+x).
type Fit struct {
	Vmax, Km float64
	// VmaxSigma and KmSigma are the standard errors of the parameters.
	VmaxSigma, KmSigma float64
	R2                 float64
	// MinX and MaxX bound the fitted data.
	MinX, MaxX float64
}

func michaelisMenten(x, vmax, km float64) float64 { return vmax * x / (km + x) }

// Eval returns the fitted curve at x.
func (f *Fit) Eval(x float64) float64 { return michaelisMenten(x, f.Vmax, f.Km) }

// Knee returns the x at which the curve reaches 90% of Vmax, if that lies
// within the fitted data.
func (f *Fit) Knee() (float64, bool) {
	k := f.Km * kneeFraction / (1 - kneeFraction)
	if f.Km <= 0 || k < f.MinX || k > f.MaxX {
		return 0, false
	}
	return k, true
}

// FitMichaelisMenten fits y = Vmax*x/(Km+x) by Nelder-Mead, starting from
// Vmax = max(y) and Km = mean(x). Parameters are optimized relative to the
// starting point so both are of order one.
func FitMichaelisMenten(x, y []float64) (*Fit, error) {
	n := len(x)
	if n != len(y) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("fit: %d x values, %d y values", n, len(y)))
	}
	if n < 3 {
		return nil, errors.E(errors.Invalid, "fit: need at least three points")
	}
	v0, k0 := floats.Max(y), stat.Mean(x, nil)
	if v0 <= 0 || k0 <= 0 {
		return nil, errors.E(errors.Invalid, "fit: data must be positive")
	}
	minX := floats.Min(x)
	sse := func(p []float64) float64 {
		vmax, km := p[0]*v0, p[1]*k0
		if km+minX <= 0 {
			return math.Inf(1)
		}
		var s float64
		for i := range x {
			d := y[i] - michaelisMenten(x[i], vmax, km)
			s += d * d
		}
		return s
	}
	res, err := optimize.Minimize(optimize.Problem{Func: sse}, []float64{1, 1}, nil, &optimize.NelderMead{})
	if err != nil {
		return nil, errors.E(err, "fit")
	}
	f := &Fit{Vmax: res.X[0] * v0, Km: res.X[1] * k0, MinX: minX, MaxX: floats.Max(x)}
	if math.IsNaN(f.Vmax) || math.IsNaN(f.Km) {
		return nil, errors.E(errors.Invalid, "fit did not converge")
	}
	ssRes := sse(res.X)
	mean := stat.Mean(y, nil)
	var ssTot float64
	for _, v := range y {
		ssTot += (v - mean) * (v - mean)
	}
	if ssTot > 0 {
		f.R2 = 1 - ssRes/ssTot
	}
	f.VmaxSigma, f.KmSigma = f.sigmas(x, ssRes)
	return f, nil
}

// sigmas returns the standard errors from the covariance (JᵀJ)⁻¹·s² with J
// the Jacobian of the model at the fit and s² = SSE/(n-2). They are NaN if
// JᵀJ is singular.
func (f *Fit) sigmas(x []float64, ssRes float64) (float64, float64) {
	n := len(x)
	j := mat.NewDense(n, 2, nil)
	for i, xi := range x {
		d := f.Km + xi
		j.Set(i, 0, xi/d)
		j.Set(i, 1, -f.Vmax*xi/(d*d))
	}
	var jtj, cov mat.Dense
	jtj.Mul(j.T(), j)
	if err := cov.Inverse(&jtj); err != nil {
		return math.NaN(), math.NaN()
	}
	s2 := ssRes / float64(n-2)
	return math.Sqrt(cov.At(0, 0) * s2), math.Sqrt(cov.At(1, 1) * s2)
}
