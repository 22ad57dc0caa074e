package lstm

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// recurrent is an LSTM layer with gates laid out [input, forget, cell, output]
// along the 4*units axis of every weight matrix.
type recurrent struct {
	in, units int

	W *mat.Dense // in x 4u
	U *mat.Dense // u x 4u
	B *mat.Dense // 1 x 4u

	dW, dU, dB *mat.Dense

	// Per-step cache of the last forward pass. hs and cs hold the initial
	// zero state at index 0.
	xs    []*mat.Dense
	hs    []*mat.Dense
	cs    []*mat.Dense
	gates []*mat.Dense // post-activation, B x 4u
}

func newRecurrent(in, units int, rng *rand.Rand) *recurrent {
	l := &recurrent{
		in:    in,
		units: units,
		W:     glorotUniform(in, 4*units, rng),
		U:     orthogonal(units, 4*units, rng),
		B:     mat.NewDense(1, 4*units, nil),
		dW:    mat.NewDense(in, 4*units, nil),
		dU:    mat.NewDense(units, 4*units, nil),
		dB:    mat.NewDense(1, 4*units, nil),
	}
	// Forget gate starts open.
	b := l.B.RawRowView(0)
	for j := units; j < 2*units; j++ {
		b[j] = 1
	}
	return l
}

func (l *recurrent) forward(xs []*mat.Dense) []*mat.Dense {
	steps := len(xs)
	batch, _ := xs[0].Dims()
	u := l.units

	l.xs = xs
	l.hs = make([]*mat.Dense, steps+1)
	l.cs = make([]*mat.Dense, steps+1)
	l.gates = make([]*mat.Dense, steps)
	l.hs[0] = mat.NewDense(batch, u, nil)
	l.cs[0] = mat.NewDense(batch, u, nil)

	bias := l.B.RawRowView(0)
	rec := mat.NewDense(batch, 4*u, nil)
	for t := 0; t < steps; t++ {
		z := mat.NewDense(batch, 4*u, nil)
		z.Mul(xs[t], l.W)
		rec.Mul(l.hs[t], l.U)
		z.Add(z, rec)

		c := mat.NewDense(batch, u, nil)
		h := mat.NewDense(batch, u, nil)
		for i := 0; i < batch; i++ {
			g := z.RawRowView(i)
			for j := 0; j < 4*u; j++ {
				g[j] += bias[j]
			}
			for j := 0; j < u; j++ {
				g[j] = sigmoid(g[j])
				g[u+j] = sigmoid(g[u+j])
				g[2*u+j] = math.Tanh(g[2*u+j])
				g[3*u+j] = sigmoid(g[3*u+j])
			}

			cPrev := l.cs[t].RawRowView(i)
			cRow := c.RawRowView(i)
			hRow := h.RawRowView(i)
			for j := 0; j < u; j++ {
				cRow[j] = g[u+j]*cPrev[j] + g[j]*g[2*u+j]
				hRow[j] = g[3*u+j] * math.Tanh(cRow[j])
			}
		}
		l.gates[t] = z
		l.cs[t+1] = c
		l.hs[t+1] = h
	}
	return l.hs[1:]
}

// backward takes the loss gradient for each step's output (nil means zero)
// and returns the gradient for each step's input. Weight gradients accumulate.
func (l *recurrent) backward(dhs []*mat.Dense) []*mat.Dense {
	steps := len(l.xs)
	batch, _ := l.xs[0].Dims()
	u := l.units

	dxs := make([]*mat.Dense, steps)
	dhNext := mat.NewDense(batch, u, nil)
	dcNext := mat.NewDense(batch, u, nil)
	acc := mat.NewDense(l.in, 4*u, nil)
	accU := mat.NewDense(u, 4*u, nil)
	dbRow := l.dB.RawRowView(0)

	for t := steps - 1; t >= 0; t-- {
		dz := mat.NewDense(batch, 4*u, nil)
		dcPrev := mat.NewDense(batch, u, nil)

		for i := 0; i < batch; i++ {
			g := l.gates[t].RawRowView(i)
			c := l.cs[t+1].RawRowView(i)
			cPrev := l.cs[t].RawRowView(i)
			dhN := dhNext.RawRowView(i)
			dcN := dcNext.RawRowView(i)
			dzRow := dz.RawRowView(i)
			dcp := dcPrev.RawRowView(i)

			var dhOut []float64
			if dhs[t] != nil {
				dhOut = dhs[t].RawRowView(i)
			}

			for j := 0; j < u; j++ {
				dh := dhN[j]
				if dhOut != nil {
					dh += dhOut[j]
				}
				ig, fg, gg, og := g[j], g[u+j], g[2*u+j], g[3*u+j]
				tc := math.Tanh(c[j])

				dc := dh*og*(1-tc*tc) + dcN[j]
				dzRow[j] = dc * gg * ig * (1 - ig)
				dzRow[u+j] = dc * cPrev[j] * fg * (1 - fg)
				dzRow[2*u+j] = dc * ig * (1 - gg*gg)
				dzRow[3*u+j] = dh * tc * og * (1 - og)
				dcp[j] = dc * fg
			}
			for j := 0; j < 4*u; j++ {
				dbRow[j] += dzRow[j]
			}
		}

		acc.Mul(l.xs[t].T(), dz)
		l.dW.Add(l.dW, acc)
		accU.Mul(l.hs[t].T(), dz)
		l.dU.Add(l.dU, accU)

		dx := mat.NewDense(batch, l.in, nil)
		dx.Mul(dz, l.W.T())
		dxs[t] = dx

		dh := mat.NewDense(batch, u, nil)
		dh.Mul(dz, l.U.T())
		dhNext = dh
		dcNext = dcPrev
	}
	return dxs
}

func (l *recurrent) params() []*param {
	return []*param{
		newParam("kernel", l.W, l.dW),
		newParam("recurrent_kernel", l.U, l.dU),
		newParam("bias", l.B, l.dB),
	}
}

// dropout zeroes units with probability rate during training and rescales
// the survivors, so inference is the identity.
type dropout struct {
	rate  float64
	masks []*mat.Dense
}

func (d *dropout) forward(xs []*mat.Dense, training bool, rng *rand.Rand) []*mat.Dense {
	if !training || d.rate == 0 {
		d.masks = nil
		return xs
	}
	keep := 1 / (1 - d.rate)
	d.masks = make([]*mat.Dense, len(xs))
	out := make([]*mat.Dense, len(xs))
	for t, x := range xs {
		r, c := x.Dims()
		mask := mat.NewDense(r, c, nil)
		data := mask.RawMatrix().Data
		for i := range data {
			if rng.Float64() >= d.rate {
				data[i] = keep
			}
		}
		y := mat.NewDense(r, c, nil)
		y.MulElem(x, mask)
		d.masks[t] = mask
		out[t] = y
	}
	return out
}

func (d *dropout) backward(dys []*mat.Dense) []*mat.Dense {
	if d.masks == nil {
		return dys
	}
	out := make([]*mat.Dense, len(dys))
	for t, dy := range dys {
		if dy == nil {
			continue
		}
		r, c := dy.Dims()
		dx := mat.NewDense(r, c, nil)
		dx.MulElem(dy, d.masks[t])
		out[t] = dx
	}
	return out
}

// dense is a fully connected linear layer.
type dense struct {
	W  *mat.Dense // in x out
	B  *mat.Dense // 1 x out
	dW *mat.Dense
	dB *mat.Dense
	x  *mat.Dense
}

func newDense(in, out int, rng *rand.Rand) *dense {
	return &dense{
		W:  glorotUniform(in, out, rng),
		B:  mat.NewDense(1, out, nil),
		dW: mat.NewDense(in, out, nil),
		dB: mat.NewDense(1, out, nil),
	}
}

func (l *dense) forward(x *mat.Dense) *mat.Dense {
	l.x = x
	batch, _ := x.Dims()
	_, out := l.W.Dims()
	y := mat.NewDense(batch, out, nil)
	y.Mul(x, l.W)
	bias := l.B.RawRowView(0)
	for i := 0; i < batch; i++ {
		row := y.RawRowView(i)
		for j := range row {
			row[j] += bias[j]
		}
	}
	return y
}

func (l *dense) backward(dy *mat.Dense) *mat.Dense {
	in, out := l.W.Dims()
	batch, _ := dy.Dims()

	acc := mat.NewDense(in, out, nil)
	acc.Mul(l.x.T(), dy)
	l.dW.Add(l.dW, acc)

	db := l.dB.RawRowView(0)
	for i := 0; i < batch; i++ {
		row := dy.RawRowView(i)
		for j := range row {
			db[j] += row[j]
		}
	}

	dx := mat.NewDense(batch, in, nil)
	dx.Mul(dy, l.W.T())
	return dx
}

func (l *dense) params() []*param {
	return []*param{
		newParam("kernel", l.W, l.dW),
		newParam("bias", l.B, l.dB),
	}
}
