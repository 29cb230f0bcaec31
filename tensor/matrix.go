package tensor

import (
	"fmt"
)

// MatMul multiplies a [rows, inner] tensor with an [inner, cols] tensor.
// Inputs of higher rank on the left are flattened past the batch dimension.
func MatMul(t1, t2 *Tensor) (*Tensor, error) {
	if len(t1.Shape) < 2 || len(t2.Shape) != 2 {
		return nil, fmt.Errorf("matmul requires a batched left operand and a 2D right operand, got %v x %v", t1.Shape, t2.Shape)
	}

	rows1 := t1.Shape[0]
	cols1 := t1.NumElems / rows1
	rows2 := t2.Shape[0]
	cols2 := t2.Shape[1]

	if cols1 != rows2 {
		return nil, fmt.Errorf("incompatible dimensions for matmul: (%d, %d) x (%d, %d)", rows1, cols1, rows2, cols2)
	}

	result, err := Zeros([]int{rows1, cols2})
	if err != nil {
		return nil, err
	}

	for i := 0; i < rows1; i++ {
		row := t1.Data[i*cols1 : (i+1)*cols1]
		out := result.Data[i*cols2 : (i+1)*cols2]
		for k, a := range row {
			if a == 0 {
				continue
			}
			w := t2.Data[k*cols2 : (k+1)*cols2]
			for j := range out {
				out[j] += a * w[j]
			}
		}
	}

	return result, nil
}

// Transpose2D swaps the two axes of a matrix.
func Transpose2D(t *Tensor) (*Tensor, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("transpose requires a 2D tensor, got %v", t.Shape)
	}
	rows, cols := t.Shape[0], t.Shape[1]
	out, err := Zeros([]int{cols, rows})
	if err != nil {
		return nil, err
	}
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out.Data[j*rows+i] = t.Data[i*cols+j]
		}
	}
	return out, nil
}
