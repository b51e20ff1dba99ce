package nn

import (
	"fmt"
	"math"

	. "github.com/borkdominik/CM2ML/neural/tensor"
	"gonum.org/v1/gonum/floats"
)

// Adam represents the Adam optimizer.
type Adam struct {
	parameters   []*Tensor
	learningRate float64
	beta1        float64
	beta2        float64
	epsilon      float64
	t            int
	m            [][]float64 // 1st moment per parameter
	v            [][]float64 // 2nd moment per parameter
}

// AdamState is the serialisable part of an Adam optimizer.
type AdamState struct {
	Step         int
	LearningRate float64
	M, V         [][]float64
}

// NewAdam creates an Adam optimizer over parameters.
func NewAdam(parameters []*Tensor, learningRate float64) *Adam {
	o := &Adam{
		parameters:   parameters,
		learningRate: learningRate,
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-8,
		m:            make([][]float64, len(parameters)),
		v:            make([][]float64, len(parameters)),
	}
	for i, p := range parameters {
		o.m[i] = make([]float64, len(p.Data))
		o.v[i] = make([]float64, len(p.Data))
	}
	return o
}

// LearningRate returns the current step size.
func (o *Adam) LearningRate() float64 { return o.learningRate }

// SetLearningRate changes the step size. The first and second moment
// estimates are kept, so a decayed optimizer continues from its history.
func (o *Adam) SetLearningRate(lr float64) { o.learningRate = lr }

// Step performs a single optimization step.
func (o *Adam) Step() {
	o.t++
	c1 := 1 - math.Pow(o.beta1, float64(o.t))
	c2 := 1 - math.Pow(o.beta2, float64(o.t))
	for k, p := range o.parameters {
		if p.Grad == nil {
			continue
		}
		m, v := o.m[k], o.v[k]
		for i, g := range p.Grad.Data {
			m[i] = o.beta1*m[i] + (1-o.beta1)*g
			v[i] = o.beta2*v[i] + (1-o.beta2)*g*g
			p.Data[i] -= o.learningRate * (m[i] / c1) / (math.Sqrt(v[i]/c2) + o.epsilon)
		}
	}
}

// ZeroGrad resets the gradients of all parameters.
func (o *Adam) ZeroGrad() {
	for _, p := range o.parameters {
		p.ZeroGrad()
	}
}

// State snapshots the optimizer.
func (o *Adam) State() AdamState {
	s := AdamState{Step: o.t, LearningRate: o.learningRate, M: make([][]float64, len(o.m)), V: make([][]float64, len(o.v))}
	for i := range o.m {
		s.M[i] = append([]float64(nil), o.m[i]...)
		s.V[i] = append([]float64(nil), o.v[i]...)
	}
	return s
}

// Restore loads a snapshot taken over parameters of the same shapes.
func (o *Adam) Restore(s AdamState) error {
	if len(s.M) != len(o.parameters) || len(s.V) != len(o.parameters) {
		return fmt.Errorf("optimizer state covers %d parameters, optimizer has %d", len(s.M), len(o.parameters))
	}
	for i, p := range o.parameters {
		if len(s.M[i]) != len(p.Data) || len(s.V[i]) != len(p.Data) {
			return fmt.Errorf("optimizer state for parameter %d has %d values, want %d", i, len(s.M[i]), len(p.Data))
		}
	}
	st := AdamState{M: make([][]float64, len(s.M)), V: make([][]float64, len(s.V))}
	for i := range s.M {
		st.M[i] = append([]float64(nil), s.M[i]...)
		st.V[i] = append([]float64(nil), s.V[i]...)
	}
	o.t, o.learningRate, o.m, o.v = s.Step, s.LearningRate, st.M, st.V
	return nil
}

// ClipGradNorm rescales all gradients so their joint L2 norm is at most
// maxNorm and returns the norm measured before clipping.
func ClipGradNorm(params []*Tensor, maxNorm float64) float64 {
	sq := 0.0
	for _, p := range params {
		if p.Grad != nil {
			n := floats.Norm(p.Grad.Data, 2)
			sq += n * n
		}
	}
	total := math.Sqrt(sq)
	if maxNorm > 0 && total > maxNorm {
		scale := maxNorm / (total + 1e-6)
		for _, p := range params {
			if p.Grad != nil {
				floats.Scale(scale, p.Grad.Data)
			}
		}
	}
	return total
}
