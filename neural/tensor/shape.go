package tensor

import (
	"fmt"
)

type gatherOperation struct {
	refs   []Ref
	inputs []*Tensor
	chunk  int
}

func (op *gatherOperation) Inputs() []*Tensor { return op.inputs }

func (op *gatherOperation) Backward(grad *Tensor) error {
	for i, r := range op.refs {
		if r.Src.RequiresGrad {
			r.Src.accumulate(r.Index*op.chunk, grad.Data[i*op.chunk:(i+1)*op.chunk])
		}
	}
	return nil
}

// Gather stacks the referenced first-axis slices into a new tensor whose
// first axis has len(refs) entries. All sources must agree on their trailing
// shape. Gradients are routed back to the originating slices.
func Gather(refs []Ref) (*Tensor, error) {
	if len(refs) == 0 {
		return nil, fmt.Errorf("gather of zero slices")
	}
	var tail []int
	seen := make(map[*Tensor]bool)
	op := &gatherOperation{refs: refs}
	for i, r := range refs {
		if r.Src == nil {
			return nil, fmt.Errorf("gather: reference %d has no source tensor", i)
		}
		if r.Index < 0 || r.Index >= r.Src.Rows() {
			return nil, fmt.Errorf("gather: index %d out of range for shape %v", r.Index, r.Src.Shape)
		}
		if i == 0 {
			tail = trailing(r.Src.Shape)
		} else if !sameShape(tail, trailing(r.Src.Shape)) {
			return nil, fmt.Errorf("gather: slice shape %v differs from %v: %w", trailing(r.Src.Shape), tail, ErrShape)
		}
		if !seen[r.Src] {
			seen[r.Src] = true
			op.inputs = append(op.inputs, r.Src)
		}
	}
	op.chunk = product(tail)
	shape := append([]int{len(refs)}, tail...)
	out := NewTensor(shape, nil, false)
	for i, r := range refs {
		copy(out.Data[i*op.chunk:(i+1)*op.chunk], r.Src.Row(r.Index))
	}
	return result(out, op), nil
}

func trailing(shape []int) []int {
	if len(shape) == 0 {
		return nil
	}
	return shape[1:]
}

type concatOperation struct {
	parts []*Tensor
	rows  int
	cols  int
}

func (op *concatOperation) Inputs() []*Tensor { return op.parts }

func (op *concatOperation) Backward(grad *Tensor) error {
	offset := 0
	for _, p := range op.parts {
		w := p.Shape[1]
		if p.RequiresGrad {
			for r := 0; r < op.rows; r++ {
				p.accumulate(r*w, grad.Data[r*op.cols+offset:r*op.cols+offset+w])
			}
		}
		offset += w
	}
	return nil
}

// Concat joins 2-D tensors with the same number of rows. Only axis 1 is
// supported.
func Concat(tensors []*Tensor, axis int) (*Tensor, error) {
	if axis != 1 {
		return nil, fmt.Errorf("concat along axis %d is not supported", axis)
	}
	if len(tensors) == 0 {
		return nil, fmt.Errorf("concat of zero tensors")
	}
	rows := tensors[0].Rows()
	cols := 0
	for _, p := range tensors {
		if len(p.Shape) != 2 || p.Shape[0] != rows {
			return nil, fmt.Errorf("concat %v with %d rows: %w", p.Shape, rows, ErrShape)
		}
		cols += p.Shape[1]
	}
	out := NewTensor([]int{rows, cols}, nil, false)
	offset := 0
	for _, p := range tensors {
		w := p.Shape[1]
		for r := 0; r < rows; r++ {
			copy(out.Data[r*cols+offset:r*cols+offset+w], p.Data[r*w:(r+1)*w])
		}
		offset += w
	}
	return result(out, &concatOperation{parts: tensors, rows: rows, cols: cols}), nil
}

type reshapeOperation struct {
	t *Tensor
}

func (op *reshapeOperation) Inputs() []*Tensor { return []*Tensor{op.t} }

func (op *reshapeOperation) Backward(grad *Tensor) error {
	op.t.accumulate(0, grad.Data)
	return nil
}

// Reshape returns a copy of t viewed with a new shape of the same size.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	if product(shape) != t.Size() {
		return nil, fmt.Errorf("reshape %v to %v: %w", t.Shape, shape, ErrShape)
	}
	data := make([]float64, len(t.Data))
	copy(data, t.Data)
	return result(NewTensor(shape, data, false), &reshapeOperation{t: t}), nil
}
