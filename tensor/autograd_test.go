package tensor

import (
	"math"
	"testing"
)

// backwardSum reduces out with SumAll and backpropagates, so every element
// of out receives an upstream gradient of one.
func backwardSum(t *testing.T, out *Tensor) {
	t.Helper()
	loss, err := SumAll(out)
	if err != nil {
		t.Fatalf("Failed to reduce output: %v", err)
	}
	if err := Backward(loss); err != nil {
		t.Fatalf("Failed to backpropagate: %v", err)
	}
}

// backwardWeighted multiplies out elementwise by the given constant weights
// before reducing, so each element receives a distinct upstream gradient.
func backwardWeighted(t *testing.T, out *Tensor, weights []float32) {
	t.Helper()
	w, err := NewTensor(out.Rows(), out.Cols(), CPU, weights)
	if err != nil {
		t.Fatalf("Failed to create weight tensor: %v", err)
	}
	weighted, err := Mul(out, w)
	if err != nil {
		t.Fatalf("Failed to weight output: %v", err)
	}
	backwardSum(t, weighted)
}

func TestAdd(t *testing.T) {
	t.Run("ForwardAndBackward", func(t *testing.T) {
		a := newLeaf(t, 2, 2, 1, 2, 3, 4)
		b := newLeaf(t, 2, 2, 10, 20, 30, 40)
		out, err := Add(a, b)
		if err != nil {
			t.Fatalf("Failed to add: %v", err)
		}
		checkData(t, "Add", out, []float32{11, 22, 33, 44}, 0)

		backwardSum(t, out)
		checkGrad(t, "a", a, []float32{1, 1, 1, 1}, 0)
		checkGrad(t, "b", b, []float32{1, 1, 1, 1}, 0)
	})

	t.Run("ShapeMismatch", func(t *testing.T) {
		a := newTestTensor(t, 2, 2, 1, 2, 3, 4)
		b := newTestTensor(t, 2, 3, 1, 2, 3, 4, 5, 6)
		if _, err := Add(a, b); err == nil {
			t.Error("Add with mismatched shapes should fail")
		}
	})
}

func TestSub(t *testing.T) {
	a := newLeaf(t, 1, 3, 5, 5, 5)
	b := newLeaf(t, 1, 3, 1, 2, 3)
	out, err := Sub(a, b)
	if err != nil {
		t.Fatalf("Failed to subtract: %v", err)
	}
	checkData(t, "Sub", out, []float32{4, 3, 2}, 0)

	backwardSum(t, out)
	checkGrad(t, "a", a, []float32{1, 1, 1}, 0)
	checkGrad(t, "b", b, []float32{-1, -1, -1}, 0)
}

func TestMul(t *testing.T) {
	a := newLeaf(t, 2, 2, 1, 2, 3, 4)
	b := newLeaf(t, 2, 2, 10, 20, 30, 40)
	out, err := Mul(a, b)
	if err != nil {
		t.Fatalf("Failed to multiply: %v", err)
	}
	checkData(t, "Mul", out, []float32{10, 40, 90, 160}, 0)

	backwardSum(t, out)
	checkGrad(t, "a", a, []float32{10, 20, 30, 40}, 0)
	checkGrad(t, "b", b, []float32{1, 2, 3, 4}, 0)
}

func TestDiv(t *testing.T) {
	a := newLeaf(t, 2, 2, 1, 2, 3, 4)
	b := newLeaf(t, 2, 2, 2, 4, 5, 8)
	out, err := Div(a, b)
	if err != nil {
		t.Fatalf("Failed to divide: %v", err)
	}
	checkData(t, "Div", out, []float32{0.5, 0.5, 0.6, 0.5}, 1e-6)

	backwardSum(t, out)
	// ∂(a/b)/∂a = 1/b, ∂(a/b)/∂b = -a/b².
	checkGrad(t, "a", a, []float32{0.5, 0.25, 0.2, 0.125}, 1e-6)
	checkGrad(t, "b", b, []float32{-0.25, -0.125, -0.12, -0.0625}, 1e-6)
}

func TestScalarOps(t *testing.T) {
	t.Run("Scale", func(t *testing.T) {
		a := newLeaf(t, 1, 3, 1, -2, 3)
		out, err := Scale(a, 3)
		if err != nil {
			t.Fatalf("Failed to scale: %v", err)
		}
		checkData(t, "Scale", out, []float32{3, -6, 9}, 0)
		backwardSum(t, out)
		checkGrad(t, "a", a, []float32{3, 3, 3}, 0)
	})

	t.Run("AddScalar", func(t *testing.T) {
		a := newLeaf(t, 1, 3, 1, 2, 3)
		out, err := AddScalar(a, -1)
		if err != nil {
			t.Fatalf("Failed to add scalar: %v", err)
		}
		checkData(t, "AddScalar", out, []float32{0, 1, 2}, 0)
		backwardSum(t, out)
		checkGrad(t, "a", a, []float32{1, 1, 1}, 0)
	})

	t.Run("Neg", func(t *testing.T) {
		a := newLeaf(t, 1, 3, 1, -2, 3)
		out, err := Neg(a)
		if err != nil {
			t.Fatalf("Failed to negate: %v", err)
		}
		checkData(t, "Neg", out, []float32{-1, 2, -3}, 0)
		backwardSum(t, out)
		checkGrad(t, "a", a, []float32{-1, -1, -1}, 0)
	})
}

func TestMatMul(t *testing.T) {
	t.Run("ForwardAndBackward", func(t *testing.T) {
		a := newLeaf(t, 2, 2, 1, 2, 3, 4)
		b := newLeaf(t, 2, 2, 5, 6, 7, 8)
		out, err := MatMul(a, b)
		if err != nil {
			t.Fatalf("Failed to multiply matrices: %v", err)
		}
		checkData(t, "MatMul", out, []float32{19, 22, 43, 50}, 1e-5)

		backwardSum(t, out)
		// With an all-ones upstream gradient: gA = 1·Bᵀ, gB = Aᵀ·1.
		checkGrad(t, "a", a, []float32{11, 15, 11, 15}, 1e-5)
		checkGrad(t, "b", b, []float32{4, 4, 6, 6}, 1e-5)
	})

	t.Run("InnerDimensionMismatch", func(t *testing.T) {
		a := newTestTensor(t, 2, 3, 1, 2, 3, 4, 5, 6)
		b := newTestTensor(t, 2, 2, 1, 2, 3, 4)
		if _, err := MatMul(a, b); err == nil {
			t.Error("MatMul with mismatched inner dimensions should fail")
		}
	})
}

func TestTranspose(t *testing.T) {
	a := newLeaf(t, 2, 3, 1, 2, 3, 4, 5, 6)
	out, err := Transpose(a)
	if err != nil {
		t.Fatalf("Failed to transpose: %v", err)
	}
	if out.Rows() != 3 || out.Cols() != 2 {
		t.Fatalf("Transpose shape = [%d %d], want [3 2]", out.Rows(), out.Cols())
	}
	checkData(t, "Transpose", out, []float32{1, 4, 2, 5, 3, 6}, 0)

	backwardWeighted(t, out, []float32{1, 2, 3, 4, 5, 6})
	checkGrad(t, "a", a, []float32{1, 3, 5, 2, 4, 6}, 1e-6)
}

func TestConcat(t *testing.T) {
	t.Run("ForwardAndBackward", func(t *testing.T) {
		a := newLeaf(t, 2, 2, 1, 2, 3, 4)
		b := newLeaf(t, 2, 1, 10, 20)
		out, err := Concat(a, b)
		if err != nil {
			t.Fatalf("Failed to concatenate: %v", err)
		}
		checkData(t, "Concat", out, []float32{1, 2, 10, 3, 4, 20}, 0)

		backwardWeighted(t, out, []float32{1, 2, 3, 4, 5, 6})
		checkGrad(t, "a", a, []float32{1, 2, 4, 5}, 1e-6)
		checkGrad(t, "b", b, []float32{3, 6}, 1e-6)
	})

	t.Run("RowMismatch", func(t *testing.T) {
		a := newTestTensor(t, 2, 2, 1, 2, 3, 4)
		b := newTestTensor(t, 3, 1, 1, 2, 3)
		if _, err := Concat(a, b); err == nil {
			t.Error("Concat with mismatched rows should fail")
		}
	})
}

func TestNarrow(t *testing.T) {
	t.Run("ForwardAndBackward", func(t *testing.T) {
		a := newLeaf(t, 2, 4, 1, 2, 3, 4, 5, 6, 7, 8)
		out, err := Narrow(a, 1, 3)
		if err != nil {
			t.Fatalf("Failed to narrow: %v", err)
		}
		checkData(t, "Narrow", out, []float32{2, 3, 6, 7}, 0)

		backwardSum(t, out)
		checkGrad(t, "a", a, []float32{0, 1, 1, 0, 0, 1, 1, 0}, 0)
	})

	t.Run("InvalidRange", func(t *testing.T) {
		a := newTestTensor(t, 2, 4, 1, 2, 3, 4, 5, 6, 7, 8)
		cases := []struct {
			name     string
			from, to int
		}{
			{"NegativeFrom", -1, 2},
			{"ToBeyondWidth", 1, 5},
			{"EmptyRange", 2, 2},
			{"Inverted", 3, 1},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				if _, err := Narrow(a, tc.from, tc.to); err == nil {
					t.Errorf("Narrow(%d, %d) should fail", tc.from, tc.to)
				}
			})
		}
	})
}

func TestAddBias(t *testing.T) {
	t.Run("ForwardAndBackward", func(t *testing.T) {
		x := newLeaf(t, 2, 3, 1, 2, 3, 4, 5, 6)
		b := newLeaf(t, 1, 3, 10, 20, 30)
		out, err := AddBias(x, b)
		if err != nil {
			t.Fatalf("Failed to add bias: %v", err)
		}
		checkData(t, "AddBias", out, []float32{11, 22, 33, 14, 25, 36}, 0)

		backwardSum(t, out)
		checkGrad(t, "x", x, []float32{1, 1, 1, 1, 1, 1}, 0)
		// Broadcast forward sums over rows backward.
		checkGrad(t, "b", b, []float32{2, 2, 2}, 0)
	})

	t.Run("BadBiasShape", func(t *testing.T) {
		x := newTestTensor(t, 2, 3, 1, 2, 3, 4, 5, 6)
		b := newTestTensor(t, 1, 2, 1, 2)
		if _, err := AddBias(x, b); err == nil {
			t.Error("AddBias with a narrow bias should fail")
		}
	})
}

func TestReductions(t *testing.T) {
	t.Run("SumDim0", func(t *testing.T) {
		a := newLeaf(t, 2, 3, 1, 2, 3, 4, 5, 6)
		out, err := SumDim0(a)
		if err != nil {
			t.Fatalf("Failed to sum columns: %v", err)
		}
		if out.Rows() != 1 || out.Cols() != 3 {
			t.Fatalf("SumDim0 shape = [%d %d], want [1 3]", out.Rows(), out.Cols())
		}
		checkData(t, "SumDim0", out, []float32{5, 7, 9}, 0)

		backwardWeighted(t, out, []float32{1, 2, 3})
		checkGrad(t, "a", a, []float32{1, 2, 3, 1, 2, 3}, 1e-6)
	})

	t.Run("SumDim1", func(t *testing.T) {
		a := newLeaf(t, 2, 3, 1, 2, 3, 4, 5, 6)
		out, err := SumDim1(a)
		if err != nil {
			t.Fatalf("Failed to sum rows: %v", err)
		}
		if out.Rows() != 2 || out.Cols() != 1 {
			t.Fatalf("SumDim1 shape = [%d %d], want [2 1]", out.Rows(), out.Cols())
		}
		checkData(t, "SumDim1", out, []float32{6, 15}, 0)

		backwardWeighted(t, out, []float32{2, 3})
		checkGrad(t, "a", a, []float32{2, 2, 2, 3, 3, 3}, 1e-6)
	})

	t.Run("SumAll", func(t *testing.T) {
		a := newLeaf(t, 2, 3, 1, 2, 3, 4, 5, 6)
		out, err := SumAll(a)
		if err != nil {
			t.Fatalf("Failed to sum: %v", err)
		}
		v, err := out.Item()
		if err != nil {
			t.Fatalf("SumAll did not produce a scalar: %v", err)
		}
		if v != 21 {
			t.Errorf("SumAll = %v, want 21", v)
		}
		if err := Backward(out); err != nil {
			t.Fatalf("Failed to backpropagate: %v", err)
		}
		checkGrad(t, "a", a, []float32{1, 1, 1, 1, 1, 1}, 0)
	})

	t.Run("Mean", func(t *testing.T) {
		a := newLeaf(t, 2, 3, 1, 2, 3, 4, 5, 6)
		out, err := Mean(a)
		if err != nil {
			t.Fatalf("Failed to take mean: %v", err)
		}
		v, err := out.Item()
		if err != nil {
			t.Fatalf("Mean did not produce a scalar: %v", err)
		}
		if math.Abs(float64(v)-3.5) > 1e-6 {
			t.Errorf("Mean = %v, want 3.5", v)
		}
		if err := Backward(out); err != nil {
			t.Fatalf("Failed to backpropagate: %v", err)
		}
		sixth := float32(1.0 / 6.0)
		checkGrad(t, "a", a, []float32{sixth, sixth, sixth, sixth, sixth, sixth}, 1e-6)
	})
}

func TestRepeats(t *testing.T) {
	t.Run("RepeatRows", func(t *testing.T) {
		a := newLeaf(t, 1, 2, 1, 2)
		out, err := RepeatRows(a, 3)
		if err != nil {
			t.Fatalf("Failed to repeat rows: %v", err)
		}
		checkData(t, "RepeatRows", out, []float32{1, 2, 1, 2, 1, 2}, 0)

		backwardSum(t, out)
		checkGrad(t, "a", a, []float32{3, 3}, 0)
	})

	t.Run("RepeatRowsRequiresRowVector", func(t *testing.T) {
		a := newTestTensor(t, 2, 2, 1, 2, 3, 4)
		if _, err := RepeatRows(a, 3); err == nil {
			t.Error("RepeatRows on a 2x2 tensor should fail")
		}
	})

	t.Run("RepeatCols", func(t *testing.T) {
		a := newLeaf(t, 2, 1, 1, 2)
		out, err := RepeatCols(a, 3)
		if err != nil {
			t.Fatalf("Failed to repeat columns: %v", err)
		}
		checkData(t, "RepeatCols", out, []float32{1, 1, 1, 2, 2, 2}, 0)

		backwardSum(t, out)
		checkGrad(t, "a", a, []float32{3, 3}, 0)
	})

	t.Run("RepeatColsRequiresColumnVector", func(t *testing.T) {
		a := newTestTensor(t, 2, 2, 1, 2, 3, 4)
		if _, err := RepeatCols(a, 3); err == nil {
			t.Error("RepeatCols on a 2x2 tensor should fail")
		}
	})

	t.Run("SpreadScalar", func(t *testing.T) {
		s, err := Scalar(2, CPU)
		if err != nil {
			t.Fatalf("Failed to create scalar: %v", err)
		}
		s.SetRequiresGrad(true)
		out, err := SpreadScalar(s, 2, 3)
		if err != nil {
			t.Fatalf("Failed to spread scalar: %v", err)
		}
		checkData(t, "SpreadScalar", out, []float32{2, 2, 2, 2, 2, 2}, 0)

		backwardSum(t, out)
		checkGrad(t, "s", s, []float32{6}, 0)
	})
}

func TestElementwiseUnary(t *testing.T) {
	t.Run("Square", func(t *testing.T) {
		a := newLeaf(t, 2, 2, 1, -2, 3, 0)
		out, err := Square(a)
		if err != nil {
			t.Fatalf("Failed to square: %v", err)
		}
		checkData(t, "Square", out, []float32{1, 4, 9, 0}, 0)

		backwardSum(t, out)
		checkGrad(t, "a", a, []float32{2, -4, 6, 0}, 1e-6)
	})

	t.Run("Sqrt", func(t *testing.T) {
		a := newLeaf(t, 2, 2, 1, 4, 9, 16)
		out, err := Sqrt(a)
		if err != nil {
			t.Fatalf("Failed to take square root: %v", err)
		}
		checkData(t, "Sqrt", out, []float32{1, 2, 3, 4}, 1e-6)

		backwardSum(t, out)
		checkGrad(t, "a", a, []float32{0.5, 0.25, float32(1.0 / 6.0), 0.125}, 1e-6)
	})

	t.Run("Log", func(t *testing.T) {
		a := newLeaf(t, 2, 2, 1, 2, 4, 8)
		out, err := Log(a)
		if err != nil {
			t.Fatalf("Failed to take logarithm: %v", err)
		}
		ln2 := float32(math.Log(2))
		checkData(t, "Log", out, []float32{0, ln2, 2 * ln2, 3 * ln2}, 1e-6)

		backwardSum(t, out)
		checkGrad(t, "a", a, []float32{1, 0.5, 0.25, 0.125}, 1e-6)
	})
}

func TestActivations(t *testing.T) {
	t.Run("ReLU", func(t *testing.T) {
		a := newLeaf(t, 1, 4, 1.5, -2, 0, 3)
		out, err := ReLU(a)
		if err != nil {
			t.Fatalf("Failed to apply ReLU: %v", err)
		}
		checkData(t, "ReLU", out, []float32{1.5, 0, 0, 3}, 0)

		backwardSum(t, out)
		// The gate closes at zero.
		checkGrad(t, "a", a, []float32{1, 0, 0, 1}, 0)
	})

	t.Run("LeakyReLU", func(t *testing.T) {
		a := newLeaf(t, 1, 4, 2, -5, 0, 1)
		out, err := LeakyReLU(a, 0.2)
		if err != nil {
			t.Fatalf("Failed to apply LeakyReLU: %v", err)
		}
		checkData(t, "LeakyReLU", out, []float32{2, -1, 0, 1}, 1e-6)

		backwardSum(t, out)
		checkGrad(t, "a", a, []float32{1, 0.2, 0.2, 1}, 1e-6)
	})
}

func TestSoftmax(t *testing.T) {
	t.Run("RowsNormalize", func(t *testing.T) {
		a := newTestTensor(t, 2, 3, 0, 0, 0, 1, 2, 3)
		out, err := Softmax(a)
		if err != nil {
			t.Fatalf("Failed to apply softmax: %v", err)
		}
		third := float32(1.0 / 3.0)
		checkData(t, "Softmax", out, []float32{
			third, third, third,
			0.09003057, 0.24472848, 0.66524094,
		}, 1e-5)

		for i := 0; i < out.Rows(); i++ {
			var sum float32
			for j := 0; j < out.Cols(); j++ {
				sum += out.At(i, j)
			}
			if math.Abs(float64(sum)-1) > 1e-5 {
				t.Errorf("Row %d sums to %v, want 1", i, sum)
			}
		}
	})

	t.Run("LargeLogitsStayFinite", func(t *testing.T) {
		a := newTestTensor(t, 1, 3, 1000, 999, 998)
		out, err := Softmax(a)
		if err != nil {
			t.Fatalf("Failed to apply softmax: %v", err)
		}
		var sum float32
		for j := 0; j < 3; j++ {
			v := out.At(0, j)
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				t.Fatalf("Softmax produced non-finite value %v", v)
			}
			sum += v
		}
		if math.Abs(float64(sum)-1) > 1e-5 {
			t.Errorf("Row sums to %v, want 1", sum)
		}
	})

	t.Run("UniformUpstreamGradientVanishes", func(t *testing.T) {
		// Each row sums to one, so a constant upstream gradient has no
		// direction to push the logits in.
		a := newLeaf(t, 2, 3, 0.5, -1, 2, 3, 3, 3)
		out, err := Softmax(a)
		if err != nil {
			t.Fatalf("Failed to apply softmax: %v", err)
		}
		backwardSum(t, out)
		checkGrad(t, "a", a, []float32{0, 0, 0, 0, 0, 0}, 1e-6)
	})
}

func TestGather(t *testing.T) {
	t.Run("ForwardAndBackward", func(t *testing.T) {
		a := newLeaf(t, 2, 3, 1, 2, 3, 4, 5, 6)
		out, err := Gather(a, []int{2, 0})
		if err != nil {
			t.Fatalf("Failed to gather: %v", err)
		}
		if out.Rows() != 2 || out.Cols() != 1 {
			t.Fatalf("Gather shape = [%d %d], want [2 1]", out.Rows(), out.Cols())
		}
		checkData(t, "Gather", out, []float32{3, 4}, 0)

		backwardSum(t, out)
		checkGrad(t, "a", a, []float32{0, 0, 1, 1, 0, 0}, 0)
	})

	t.Run("IndexCountMismatch", func(t *testing.T) {
		a := newTestTensor(t, 2, 3, 1, 2, 3, 4, 5, 6)
		if _, err := Gather(a, []int{1}); err == nil {
			t.Error("Gather with one index for two rows should fail")
		}
	})

	t.Run("IndexOutOfRange", func(t *testing.T) {
		a := newTestTensor(t, 2, 3, 1, 2, 3, 4, 5, 6)
		if _, err := Gather(a, []int{0, 3}); err == nil {
			t.Error("Gather with index 3 on 3 columns should fail")
		}
		if _, err := Gather(a, []int{-1, 0}); err == nil {
			t.Error("Gather with negative index should fail")
		}
	})
}

func TestScatterCols(t *testing.T) {
	t.Run("ForwardAndBackward", func(t *testing.T) {
		s := newLeaf(t, 2, 1, 5, 7)
		out, err := ScatterCols(s, []int{1, 2}, 3)
		if err != nil {
			t.Fatalf("Failed to scatter: %v", err)
		}
		checkData(t, "ScatterCols", out, []float32{0, 5, 0, 0, 0, 7}, 0)

		backwardSum(t, out)
		checkGrad(t, "s", s, []float32{1, 1}, 0)
	})

	t.Run("RequiresColumnVector", func(t *testing.T) {
		s := newTestTensor(t, 2, 2, 1, 2, 3, 4)
		if _, err := ScatterCols(s, []int{0, 1}, 3); err == nil {
			t.Error("ScatterCols on a 2x2 tensor should fail")
		}
	})

	t.Run("IndexOutOfRange", func(t *testing.T) {
		s := newTestTensor(t, 2, 1, 1, 2)
		if _, err := ScatterCols(s, []int{0, 3}, 3); err == nil {
			t.Error("ScatterCols with index 3 on 3 columns should fail")
		}
	})
}

func TestCrossEntropy(t *testing.T) {
	t.Run("UniformLogits", func(t *testing.T) {
		logits := newLeaf(t, 2, 3, 0, 0, 0, 0, 0, 0)
		loss, err := CrossEntropy(logits, []int{0, 2})
		if err != nil {
			t.Fatalf("Failed to compute cross entropy: %v", err)
		}
		v, err := loss.Item()
		if err != nil {
			t.Fatalf("Loss is not a scalar: %v", err)
		}
		want := math.Log(3)
		if math.Abs(float64(v)-want) > 1e-4 {
			t.Errorf("Loss = %v, want ln(3) = %v", v, want)
		}

		if err := Backward(loss); err != nil {
			t.Fatalf("Failed to backpropagate: %v", err)
		}
		third := float32(1.0 / 3.0)
		checkGrad(t, "logits", logits, []float32{
			(third - 1) / 2, third / 2, third / 2,
			third / 2, third / 2, (third - 1) / 2,
		}, 1e-5)
	})

	t.Run("LabelOutOfRange", func(t *testing.T) {
		logits := newTestTensor(t, 2, 3, 0, 0, 0, 0, 0, 0)
		if _, err := CrossEntropy(logits, []int{0, 3}); err == nil {
			t.Error("CrossEntropy with label 3 on 3 classes should fail")
		}
		if _, err := CrossEntropy(logits, []int{-1, 0}); err == nil {
			t.Error("CrossEntropy with negative label should fail")
		}
	})

	t.Run("LabelCountMismatch", func(t *testing.T) {
		logits := newTestTensor(t, 2, 3, 0, 0, 0, 0, 0, 0)
		if _, err := CrossEntropy(logits, []int{0}); err == nil {
			t.Error("CrossEntropy with one label for two rows should fail")
		}
	})
}

// TestCrossEntropyMatchesComposedNLL checks the fused loss against the same
// computation spelled out as softmax, gather, log and mean.
func TestCrossEntropyMatchesComposedNLL(t *testing.T) {
	data := []float32{1.0, -0.5, 0.25, -1.0, 2.0, 0.5}
	labels := []int{0, 1}

	fusedLogits := newLeaf(t, 2, 3, data...)
	fusedLoss, err := CrossEntropy(fusedLogits, labels)
	if err != nil {
		t.Fatalf("Failed to compute fused loss: %v", err)
	}
	if err := Backward(fusedLoss); err != nil {
		t.Fatalf("Failed to backpropagate fused loss: %v", err)
	}

	composedLogits := newLeaf(t, 2, 3, data...)
	probs, err := Softmax(composedLogits)
	if err != nil {
		t.Fatalf("Failed to apply softmax: %v", err)
	}
	picked, err := Gather(probs, labels)
	if err != nil {
		t.Fatalf("Failed to gather label probabilities: %v", err)
	}
	logProbs, err := Log(picked)
	if err != nil {
		t.Fatalf("Failed to take logarithm: %v", err)
	}
	meanLog, err := Mean(logProbs)
	if err != nil {
		t.Fatalf("Failed to take mean: %v", err)
	}
	composedLoss, err := Neg(meanLog)
	if err != nil {
		t.Fatalf("Failed to negate: %v", err)
	}
	if err := Backward(composedLoss); err != nil {
		t.Fatalf("Failed to backpropagate composed loss: %v", err)
	}

	fv, _ := fusedLoss.Item()
	cv, _ := composedLoss.Item()
	if math.Abs(float64(fv)-float64(cv)) > 1e-5 {
		t.Errorf("Fused loss %v differs from composed loss %v", fv, cv)
	}

	fg := fusedLogits.Grad().Data()
	cg := composedLogits.Grad().Data()
	for i := range fg {
		if math.Abs(float64(fg[i])-float64(cg[i])) > 1e-5 {
			t.Errorf("Gradient %d: fused %v vs composed %v", i, fg[i], cg[i])
		}
	}
}
