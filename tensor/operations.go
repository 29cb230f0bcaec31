package tensor

import (
	"fmt"
	"math"
)

func checkShapesCompatible(shape1, shape2 []int) error {
	if len(shape1) == 0 || len(shape2) == 0 {
		return fmt.Errorf("cannot operate on empty tensors")
	}
	if !SameShape(shape1, shape2) {
		return fmt.Errorf("tensor shapes must match: %v vs %v", shape1, shape2)
	}
	return nil
}

func elementwise(t1, t2 *Tensor, fn func(a, b float32) float32) (*Tensor, error) {
	if err := checkShapesCompatible(t1.Shape, t2.Shape); err != nil {
		return nil, err
	}

	result := ZerosLike(t1)
	for i := 0; i < t1.NumElems; i++ {
		result.Data[i] = fn(t1.Data[i], t2.Data[i])
	}
	return result, nil
}

func Add(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise(t1, t2, func(a, b float32) float32 { return a + b })
}

func Sub(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise(t1, t2, func(a, b float32) float32 { return a - b })
}

func Mul(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise(t1, t2, func(a, b float32) float32 { return a * b })
}

// AddInPlace accumulates other into t.
func (t *Tensor) AddInPlace(other *Tensor) error {
	if err := checkShapesCompatible(t.Shape, other.Shape); err != nil {
		return err
	}
	for i := range t.Data {
		t.Data[i] += other.Data[i]
	}
	return nil
}

// Scale returns a copy of t multiplied by factor.
func (t *Tensor) Scale(factor float32) *Tensor {
	out := t.Clone()
	for i := range out.Data {
		out.Data[i] *= factor
	}
	return out
}

// Apply returns a copy of t with fn applied to every element.
func (t *Tensor) Apply(fn func(float32) float32) *Tensor {
	out := t.Clone()
	for i, v := range out.Data {
		out.Data[i] = fn(v)
	}
	return out
}

func (t *Tensor) Fill(value float32) {
	for i := range t.Data {
		t.Data[i] = value
	}
}

func (t *Tensor) Sum() float64 {
	var sum float64
	for _, v := range t.Data {
		sum += float64(v)
	}
	return sum
}

func (t *Tensor) Max() float32 {
	if len(t.Data) == 0 {
		return 0
	}
	m := t.Data[0]
	for _, v := range t.Data[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func (t *Tensor) MaxAbs() float32 {
	var m float32
	for _, v := range t.Data {
		if a := float32(math.Abs(float64(v))); a > m {
			m = a
		}
	}
	return m
}

func (t *Tensor) CountNonzero() int {
	n := 0
	for _, v := range t.Data {
		if v != 0 {
			n++
		}
	}
	return n
}

// CountNonzeroPerSample counts nonzero elements of each sample along the
// batch dimension.
func (t *Tensor) CountNonzeroPerSample() []int {
	batch := t.BatchSize()
	counts := make([]int, batch)
	for b := 0; b < batch; b++ {
		for _, v := range t.Sample(b) {
			if v != 0 {
				counts[b]++
			}
		}
	}
	return counts
}

// Concat joins tensors along axis. All other dimensions must agree.
func Concat(axis int, tensors ...*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("concat requires at least one tensor")
	}
	rank := len(tensors[0].Shape)
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return nil, fmt.Errorf("concat axis %d out of range for rank %d", axis, rank)
	}

	outShape := make([]int, rank)
	copy(outShape, tensors[0].Shape)
	outShape[axis] = 0
	for _, t := range tensors {
		if len(t.Shape) != rank {
			return nil, fmt.Errorf("concat rank mismatch: %v vs %v", tensors[0].Shape, t.Shape)
		}
		for d := 0; d < rank; d++ {
			if d != axis && t.Shape[d] != tensors[0].Shape[d] {
				return nil, fmt.Errorf("concat shape mismatch at dimension %d: %v vs %v", d, tensors[0].Shape, t.Shape)
			}
		}
		outShape[axis] += t.Shape[axis]
	}

	out, err := Zeros(outShape)
	if err != nil {
		return nil, err
	}

	outer := 1
	for d := 0; d < axis; d++ {
		outer *= outShape[d]
	}
	pos := 0
	for o := 0; o < outer; o++ {
		for _, t := range tensors {
			inner := t.Strides[axis] * t.Shape[axis]
			copy(out.Data[pos:pos+inner], t.Data[o*inner:(o+1)*inner])
			pos += inner
		}
	}
	return out, nil
}
