package tensor

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"

	"github.com/viterin/vek"
)

// ErrShape is returned when operands have incompatible shapes.
var ErrShape = errors.New("tensor: incompatible shapes")

// Tensor is a dense row-major float64 array that records the operation that
// produced it so gradients can flow back to its inputs.
type Tensor struct {
	Data         []float64
	Shape        []int
	Grad         *Tensor
	Creator      Operation
	RequiresGrad bool
}

// Ref addresses one slice along the first axis of a tensor, e.g. one row of a
// [n, d] matrix or one [N, d] block of a [B, N, d] tensor.
type Ref struct {
	Src   *Tensor
	Index int
}

// Valid reports whether the reference points at a tensor.
func (r Ref) Valid() bool { return r.Src != nil }

// NewTensor creates a tensor with the given shape. A nil data slice is
// allocated and zero filled.
func NewTensor(shape []int, data []float64, requiresGrad bool) *Tensor {
	s := make([]int, len(shape))
	copy(s, shape)
	if data == nil {
		data = make([]float64, product(s))
	}
	return &Tensor{Data: data, Shape: s, RequiresGrad: requiresGrad}
}

// Zeros returns a constant zero tensor.
func Zeros(shape ...int) *Tensor {
	return NewTensor(shape, nil, false)
}

func product(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Size is the number of elements.
func (t *Tensor) Size() int { return len(t.Data) }

// Rows is the length of the first axis.
func (t *Tensor) Rows() int {
	if len(t.Shape) == 0 {
		return 1
	}
	return t.Shape[0]
}

// chunk is the number of elements in one slice along the first axis.
func (t *Tensor) chunk() int {
	if len(t.Shape) == 0 {
		return 1
	}
	return product(t.Shape[1:])
}

// Row returns a view of slice i along the first axis.
func (t *Tensor) Row(i int) []float64 {
	c := t.chunk()
	return t.Data[i*c : (i+1)*c]
}

// Item returns the single value of a one-element tensor.
func (t *Tensor) Item() float64 { return t.Data[0] }

// Detach returns a copy that is cut off from the graph.
func (t *Tensor) Detach() *Tensor {
	data := make([]float64, len(t.Data))
	copy(data, t.Data)
	return NewTensor(t.Shape, data, false)
}

// ZeroGrad clears the accumulated gradient.
func (t *Tensor) ZeroGrad() {
	if t.Grad == nil {
		return
	}
	clear(t.Grad.Data)
}

func (t *Tensor) ensureGrad() {
	if t.Grad == nil {
		t.Grad = NewTensor(t.Shape, nil, false)
	}
}

// accumulate adds g into the gradient starting at offset.
func (t *Tensor) accumulate(offset int, g []float64) {
	if !t.RequiresGrad {
		return
	}
	t.ensureGrad()
	vek.Add_Inplace(t.Grad.Data[offset:offset+len(g)], g)
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func needsGrad(ts ...*Tensor) bool {
	for _, t := range ts {
		if t != nil && t.RequiresGrad {
			return true
		}
	}
	return false
}

// result wires op as the creator of out when any input requires a gradient.
func result(out *Tensor, op Operation) *Tensor {
	if needsGrad(op.Inputs()...) {
		out.RequiresGrad = true
		out.Creator = op
	}
	return out
}

// Backward propagates grad (ones for a scalar when nil) to every tensor that
// contributed to t. Gradients accumulate, so callers zero parameters first.
func (t *Tensor) Backward(grad *Tensor) error {
	if grad == nil {
		if t.Size() != 1 {
			return fmt.Errorf("backward on non-scalar tensor of shape %v needs an explicit gradient", t.Shape)
		}
		grad = NewTensor(t.Shape, []float64{1}, false)
	}
	if grad.Size() != t.Size() {
		return fmt.Errorf("backward: gradient shape %v does not match %v: %w", grad.Shape, t.Shape, ErrShape)
	}
	if !t.RequiresGrad {
		return nil
	}
	t.accumulate(0, grad.Data)

	order := topoSort(t)
	for i := len(order) - 1; i >= 0; i-- {
		v := order[i]
		if v.Creator == nil || v.Grad == nil {
			continue
		}
		if err := v.Creator.Backward(v.Grad); err != nil {
			return fmt.Errorf("backward through %T: %w", v.Creator, err)
		}
	}
	return nil
}

// topoSort returns the graph below root with every tensor placed after all of
// its inputs.
func topoSort(root *Tensor) []*Tensor {
	type frame struct {
		t      *Tensor
		inputs []*Tensor
		next   int
	}
	inputsOf := func(t *Tensor) []*Tensor {
		if t.Creator == nil {
			return nil
		}
		return t.Creator.Inputs()
	}

	visited := map[*Tensor]bool{root: true}
	var order []*Tensor
	stack := []frame{{t: root, inputs: inputsOf(root)}}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next < len(top.inputs) {
			in := top.inputs[top.next]
			top.next++
			if in != nil && in.RequiresGrad && !visited[in] {
				visited[in] = true
				stack = append(stack, frame{t: in, inputs: inputsOf(in)})
			}
			continue
		}
		order = append(order, top.t)
		stack = stack[:len(stack)-1]
	}
	return order
}

// GobEncode implements the gob.GobEncoder interface.
func (t *Tensor) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(t.Data); err != nil {
		return nil, err
	}
	if err := enc.Encode(t.Shape); err != nil {
		return nil, err
	}
	if err := enc.Encode(t.RequiresGrad); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GobDecode implements the gob.GobDecoder interface.
func (t *Tensor) GobDecode(data []byte) error {
	dec := gob.NewDecoder(bytes.NewBuffer(data))
	if err := dec.Decode(&t.Data); err != nil {
		return err
	}
	if err := dec.Decode(&t.Shape); err != nil {
		return err
	}
	if err := dec.Decode(&t.RequiresGrad); err != nil {
		return err
	}
	if product(t.Shape) != len(t.Data) {
		return fmt.Errorf("decoded tensor has %d values for shape %v: %w", len(t.Data), t.Shape, ErrShape)
	}
	return nil
}
