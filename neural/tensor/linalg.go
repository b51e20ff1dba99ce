package tensor

import (
	"fmt"

	"github.com/viterin/vek"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
)

func general(rows, cols int, data []float64) blas64.General {
	return blas64.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

type matMulOperation struct {
	a, b *Tensor
}

func (op *matMulOperation) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }

func (op *matMulOperation) Backward(grad *Tensor) error {
	m, k, n := op.a.Shape[0], op.a.Shape[1], op.b.Shape[1]
	g := general(m, n, grad.Data)
	if op.a.RequiresGrad {
		op.a.ensureGrad()
		blas64.Gemm(blas.NoTrans, blas.Trans, 1, g, general(k, n, op.b.Data), 1, general(m, k, op.a.Grad.Data))
	}
	if op.b.RequiresGrad {
		op.b.ensureGrad()
		blas64.Gemm(blas.Trans, blas.NoTrans, 1, general(m, k, op.a.Data), g, 1, general(k, n, op.b.Grad.Data))
	}
	return nil
}

// MatMul multiplies a [m, k] tensor by a [k, n] tensor.
func (t *Tensor) MatMul(other *Tensor) (*Tensor, error) {
	if len(t.Shape) != 2 || len(other.Shape) != 2 || t.Shape[1] != other.Shape[0] {
		return nil, fmt.Errorf("matmul %v by %v: %w", t.Shape, other.Shape, ErrShape)
	}
	m, k, n := t.Shape[0], t.Shape[1], other.Shape[1]
	out := NewTensor([]int{m, n}, nil, false)
	blas64.Gemm(blas.NoTrans, blas.NoTrans, 1, general(m, k, t.Data), general(k, n, other.Data), 0, general(m, n, out.Data))
	return result(out, &matMulOperation{a: t, b: other}), nil
}

type batchMatVecOperation struct {
	m, v *Tensor
}

func (op *batchMatVecOperation) Inputs() []*Tensor { return []*Tensor{op.m, op.v} }

func (op *batchMatVecOperation) Backward(grad *Tensor) error {
	b, n, h := op.m.Shape[0], op.m.Shape[1], op.m.Shape[2]
	for i := 0; i < b; i++ {
		q := op.v.Data[i*h : (i+1)*h]
		var gq []float64
		if op.v.RequiresGrad {
			gq = make([]float64, h)
		}
		for j := 0; j < n; j++ {
			g := grad.Data[i*n+j]
			row := op.m.Data[(i*n+j)*h : (i*n+j+1)*h]
			if op.m.RequiresGrad {
				op.m.accumulate((i*n+j)*h, vek.MulNumber(q, g))
			}
			if gq != nil {
				vek.Add_Inplace(gq, vek.MulNumber(row, g))
			}
		}
		if gq != nil {
			op.v.accumulate(i*h, gq)
		}
	}
	return nil
}

// BatchMatVec computes out[b, n] = m[b, n, :] · v[b, :] for m of shape
// [B, N, H] and v of shape [B, H].
func BatchMatVec(m, v *Tensor) (*Tensor, error) {
	if len(m.Shape) != 3 || len(v.Shape) != 2 || m.Shape[0] != v.Shape[0] || m.Shape[2] != v.Shape[1] {
		return nil, fmt.Errorf("batch matvec %v by %v: %w", m.Shape, v.Shape, ErrShape)
	}
	b, n, h := m.Shape[0], m.Shape[1], m.Shape[2]
	out := NewTensor([]int{b, n}, nil, false)
	for i := 0; i < b; i++ {
		q := v.Data[i*h : (i+1)*h]
		for j := 0; j < n; j++ {
			out.Data[i*n+j] = vek.Dot(m.Data[(i*n+j)*h:(i*n+j+1)*h], q)
		}
	}
	return result(out, &batchMatVecOperation{m: m, v: v}), nil
}

type weightedSumOperation struct {
	w, m *Tensor
}

func (op *weightedSumOperation) Inputs() []*Tensor { return []*Tensor{op.w, op.m} }

func (op *weightedSumOperation) Backward(grad *Tensor) error {
	b, n, h := op.m.Shape[0], op.m.Shape[1], op.m.Shape[2]
	for i := 0; i < b; i++ {
		g := grad.Data[i*h : (i+1)*h]
		var gw []float64
		if op.w.RequiresGrad {
			gw = make([]float64, n)
		}
		for j := 0; j < n; j++ {
			row := op.m.Data[(i*n+j)*h : (i*n+j+1)*h]
			if gw != nil {
				gw[j] = vek.Dot(g, row)
			}
			if op.m.RequiresGrad {
				op.m.accumulate((i*n+j)*h, vek.MulNumber(g, op.w.Data[i*n+j]))
			}
		}
		if gw != nil {
			op.w.accumulate(i*n, gw)
		}
	}
	return nil
}

// WeightedSum computes out[b, :] = Σ_n w[b, n] · m[b, n, :] for w of shape
// [B, N] and m of shape [B, N, H].
func WeightedSum(w, m *Tensor) (*Tensor, error) {
	if len(m.Shape) != 3 || len(w.Shape) != 2 || m.Shape[0] != w.Shape[0] || m.Shape[1] != w.Shape[1] {
		return nil, fmt.Errorf("weighted sum of %v by %v: %w", m.Shape, w.Shape, ErrShape)
	}
	b, n, h := m.Shape[0], m.Shape[1], m.Shape[2]
	out := NewTensor([]int{b, h}, nil, false)
	for i := 0; i < b; i++ {
		acc := out.Data[i*h : (i+1)*h]
		for j := 0; j < n; j++ {
			wj := w.Data[i*n+j]
			if wj == 0 {
				continue
			}
			vek.Add_Inplace(acc, vek.MulNumber(m.Data[(i*n+j)*h:(i*n+j+1)*h], wj))
		}
	}
	return result(out, &weightedSumOperation{w: w, m: m}), nil
}
