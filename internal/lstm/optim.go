package lstm

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// param pairs a weight matrix with its gradient and Adam moments.
type param struct {
	name string
	w    *mat.Dense
	g    *mat.Dense
	m, v []float64
}

func newParam(name string, w, g *mat.Dense) *param {
	n := len(w.RawMatrix().Data)
	return &param{name: name, w: w, g: g, m: make([]float64, n), v: make([]float64, n)}
}

// Adam hyperparameters. The epsilon sits outside the square root.
const (
	DefaultLearningRate = 0.001
	adamBeta1           = 0.9
	adamBeta2           = 0.999
	adamEpsilon         = 1e-7
)

type adam struct {
	lr     float64
	step   int
	params []*param
}

func (a *adam) zeroGrad() {
	for _, p := range a.params {
		p.g.Zero()
	}
}

func (a *adam) update() {
	a.step++
	t := float64(a.step)
	lrT := a.lr * math.Sqrt(1-math.Pow(adamBeta2, t)) / (1 - math.Pow(adamBeta1, t))
	for _, p := range a.params {
		w := p.w.RawMatrix().Data
		g := p.g.RawMatrix().Data
		for i := range w {
			p.m[i] = adamBeta1*p.m[i] + (1-adamBeta1)*g[i]
			p.v[i] = adamBeta2*p.v[i] + (1-adamBeta2)*g[i]*g[i]
			w[i] -= lrT * p.m[i] / (math.Sqrt(p.v[i]) + adamEpsilon)
		}
	}
}

func glorotUniform(rows, cols int, rng *rand.Rand) *mat.Dense {
	limit := math.Sqrt(6 / float64(rows+cols))
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = (rng.Float64()*2 - 1) * limit
	}
	return mat.NewDense(rows, cols, data)
}

// orthogonal returns a rows x cols matrix with orthonormal rows (rows <= cols)
// or columns, from the QR decomposition of a Gaussian matrix.
func orthogonal(rows, cols int, rng *rand.Rand) *mat.Dense {
	tall, short := rows, cols
	if rows < cols {
		tall, short = cols, rows
	}
	a := mat.NewDense(tall, short, nil)
	for i := 0; i < tall; i++ {
		for j := 0; j < short; j++ {
			a.Set(i, j, rng.NormFloat64())
		}
	}

	var qr mat.QR
	qr.Factorize(a)
	var q, r mat.Dense
	qr.QTo(&q)
	qr.RTo(&r)

	out := mat.NewDense(tall, short, nil)
	out.Copy(q.Slice(0, tall, 0, short))
	for j := 0; j < short; j++ {
		if r.At(j, j) < 0 {
			for i := 0; i < tall; i++ {
				out.Set(i, j, -out.At(i, j))
			}
		}
	}

	if rows < cols {
		t := mat.NewDense(rows, cols, nil)
		t.Copy(out.T())
		return t
	}
	return out
}

// mse returns the mean squared error, the mean absolute error and the
// gradient of the former with respect to pred.
func mse(pred, target *mat.Dense) (loss, mae float64, grad *mat.Dense) {
	r, c := pred.Dims()
	n := float64(r * c)
	grad = mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		p := pred.RawRowView(i)
		t := target.RawRowView(i)
		g := grad.RawRowView(i)
		for j := range p {
			d := p[j] - t[j]
			loss += d * d
			mae += math.Abs(d)
			g[j] = 2 * d / n
		}
	}
	return loss / n, mae / n, grad
}
