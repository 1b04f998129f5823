package tensor

import (
	"fmt"
	"math"

	gt "gorgonia.org/tensor"
)

func anyRequires(ts ...*Tensor) bool {
	for _, t := range ts {
		if t.requiresGrad {
			return true
		}
	}
	return false
}

// connect records op as the creator of out when any input participates in
// differentiation. Results of untracked computations stay leaf tensors.
func connect(out *Tensor, op Operation, inputs ...*Tensor) *Tensor {
	if anyRequires(inputs...) {
		out.requiresGrad = true
		out.creator = op
	}
	return out
}

func asDense(t gt.Tensor, err error) (*gt.Dense, error) {
	if err != nil {
		return nil, err
	}
	d, ok := t.(*gt.Dense)
	if !ok {
		return nil, fmt.Errorf("unexpected result type %T from tensor backend", t)
	}
	return d, nil
}

// addOp implements elementwise addition.
type addOp struct{ a, b *Tensor }

// Add returns a + b. Shapes must match exactly.
func Add(a, b *Tensor) (*Tensor, error) {
	d, err := asDense(gt.Add(a.dense, b.dense))
	if err != nil {
		return nil, fmt.Errorf("Add: %v", err)
	}
	return connect(fromDense(d, a.device), &addOp{a: a, b: b}, a, b), nil
}

func (op *addOp) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }

func (op *addOp) Backward(gradOut *Tensor, track bool) ([]*Tensor, error) {
	// ∂(a+b)/∂a = 1, ∂(a+b)/∂b = 1
	return []*Tensor{gradOut, gradOut}, nil
}

// subOp implements elementwise subtraction.
type subOp struct{ a, b *Tensor }

// Sub returns a - b. Shapes must match exactly.
func Sub(a, b *Tensor) (*Tensor, error) {
	d, err := asDense(gt.Sub(a.dense, b.dense))
	if err != nil {
		return nil, fmt.Errorf("Sub: %v", err)
	}
	return connect(fromDense(d, a.device), &subOp{a: a, b: b}, a, b), nil
}

func (op *subOp) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }

func (op *subOp) Backward(gradOut *Tensor, track bool) ([]*Tensor, error) {
	// ∂(a-b)/∂a = 1, ∂(a-b)/∂b = -1
	gb, err := Neg(gradOut)
	if err != nil {
		return nil, err
	}
	return []*Tensor{gradOut, gb}, nil
}

// mulOp implements elementwise multiplication.
type mulOp struct{ a, b *Tensor }

// Mul returns a ⊙ b. Shapes must match exactly.
func Mul(a, b *Tensor) (*Tensor, error) {
	d, err := asDense(gt.Mul(a.dense, b.dense))
	if err != nil {
		return nil, fmt.Errorf("Mul: %v", err)
	}
	return connect(fromDense(d, a.device), &mulOp{a: a, b: b}, a, b), nil
}

func (op *mulOp) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }

func (op *mulOp) Backward(gradOut *Tensor, track bool) ([]*Tensor, error) {
	a, b := op.a, op.b
	if !track {
		a, b = a.Detach(), b.Detach()
	}
	ga, err := Mul(gradOut, b)
	if err != nil {
		return nil, err
	}
	gb, err := Mul(gradOut, a)
	if err != nil {
		return nil, err
	}
	return []*Tensor{ga, gb}, nil
}

// divOp implements elementwise division.
type divOp struct{ a, b, out *Tensor }

// Div returns a / b elementwise. Shapes must match exactly.
func Div(a, b *Tensor) (*Tensor, error) {
	d, err := asDense(gt.Div(a.dense, b.dense))
	if err != nil {
		return nil, fmt.Errorf("Div: %v", err)
	}
	out := fromDense(d, a.device)
	return connect(out, &divOp{a: a, b: b, out: out}, a, b), nil
}

func (op *divOp) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }

func (op *divOp) Backward(gradOut *Tensor, track bool) ([]*Tensor, error) {
	b, out := op.b, op.out
	if !track {
		b, out = b.Detach(), out.Detach()
	}
	ga, err := Div(gradOut, b)
	if err != nil {
		return nil, err
	}
	// ∂(a/b)/∂b = -a/b² = -(a/b)/b
	q, err := Mul(gradOut, out)
	if err != nil {
		return nil, err
	}
	q, err = Div(q, b)
	if err != nil {
		return nil, err
	}
	gb, err := Neg(q)
	if err != nil {
		return nil, err
	}
	return []*Tensor{ga, gb}, nil
}

// scaleOp multiplies by a constant.
type scaleOp struct {
	a *Tensor
	c float32
}

// Scale returns c * a.
func Scale(a *Tensor, c float32) (*Tensor, error) {
	d, err := asDense(gt.Mul(a.dense, c))
	if err != nil {
		return nil, fmt.Errorf("Scale: %v", err)
	}
	return connect(fromDense(d, a.device), &scaleOp{a: a, c: c}, a), nil
}

func (op *scaleOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *scaleOp) Backward(gradOut *Tensor, track bool) ([]*Tensor, error) {
	g, err := Scale(gradOut, op.c)
	if err != nil {
		return nil, err
	}
	return []*Tensor{g}, nil
}

// addScalarOp adds a constant.
type addScalarOp struct {
	a *Tensor
	c float32
}

// AddScalar returns a + c elementwise.
func AddScalar(a *Tensor, c float32) (*Tensor, error) {
	d, err := asDense(gt.Add(a.dense, c))
	if err != nil {
		return nil, fmt.Errorf("AddScalar: %v", err)
	}
	return connect(fromDense(d, a.device), &addScalarOp{a: a, c: c}, a), nil
}

func (op *addScalarOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *addScalarOp) Backward(gradOut *Tensor, track bool) ([]*Tensor, error) {
	return []*Tensor{gradOut}, nil
}

// Neg returns -a.
func Neg(a *Tensor) (*Tensor, error) {
	return Scale(a, -1)
}

// matMulOp implements the matrix product.
type matMulOp struct{ a, b *Tensor }

// MatMul returns the matrix product a [m k] × b [k n] -> [m n]. Dimension
// mismatches surface as errors from the numeric backend.
func MatMul(a, b *Tensor) (*Tensor, error) {
	d, err := asDense(gt.MatMul(a.dense, b.dense))
	if err != nil {
		return nil, fmt.Errorf("MatMul: %v", err)
	}
	return connect(fromDense(d, a.device), &matMulOp{a: a, b: b}, a, b), nil
}

func (op *matMulOp) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }

func (op *matMulOp) Backward(gradOut *Tensor, track bool) ([]*Tensor, error) {
	a, b := op.a, op.b
	if !track {
		a, b = a.Detach(), b.Detach()
	}
	// ∂(A×B)/∂A = g × Bᵀ, ∂(A×B)/∂B = Aᵀ × g
	bT, err := Transpose(b)
	if err != nil {
		return nil, err
	}
	ga, err := MatMul(gradOut, bT)
	if err != nil {
		return nil, err
	}
	aT, err := Transpose(a)
	if err != nil {
		return nil, err
	}
	gb, err := MatMul(aT, gradOut)
	if err != nil {
		return nil, err
	}
	return []*Tensor{ga, gb}, nil
}

// transposeOp implements the 2D transpose.
type transposeOp struct{ a *Tensor }

// Transpose returns aᵀ as a fresh row-major tensor.
func Transpose(a *Tensor) (*Tensor, error) {
	rows, cols := a.Rows(), a.Cols()
	src := a.Data()
	out := make([]float32, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out[j*rows+i] = src[i*cols+j]
		}
	}
	result, err := NewTensor(cols, rows, a.device, out)
	if err != nil {
		return nil, err
	}
	return connect(result, &transposeOp{a: a}, a), nil
}

func (op *transposeOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *transposeOp) Backward(gradOut *Tensor, track bool) ([]*Tensor, error) {
	g, err := Transpose(gradOut)
	if err != nil {
		return nil, err
	}
	return []*Tensor{g}, nil
}

// concatOp joins two tensors along columns.
type concatOp struct{ a, b *Tensor }

// Concat joins a [r ca] and b [r cb] along columns into [r ca+cb].
func Concat(a, b *Tensor) (*Tensor, error) {
	if a.Rows() != b.Rows() {
		return nil, fmt.Errorf("Concat: row mismatch %v vs %v", a.Shape(), b.Shape())
	}
	rows, ca, cb := a.Rows(), a.Cols(), b.Cols()
	da, db := a.Data(), b.Data()
	out := make([]float32, rows*(ca+cb))
	for i := 0; i < rows; i++ {
		copy(out[i*(ca+cb):], da[i*ca:(i+1)*ca])
		copy(out[i*(ca+cb)+ca:], db[i*cb:(i+1)*cb])
	}
	result, err := NewTensor(rows, ca+cb, a.device, out)
	if err != nil {
		return nil, err
	}
	return connect(result, &concatOp{a: a, b: b}, a, b), nil
}

func (op *concatOp) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }

func (op *concatOp) Backward(gradOut *Tensor, track bool) ([]*Tensor, error) {
	ca := op.a.Cols()
	ga, err := Narrow(gradOut, 0, ca)
	if err != nil {
		return nil, err
	}
	gb, err := Narrow(gradOut, ca, gradOut.Cols())
	if err != nil {
		return nil, err
	}
	return []*Tensor{ga, gb}, nil
}

// narrowOp selects a column range.
type narrowOp struct {
	a        *Tensor
	from, to int
}

// Narrow copies the half-open column range [from, to) of a.
func Narrow(a *Tensor, from, to int) (*Tensor, error) {
	if from < 0 || to > a.Cols() || from >= to {
		return nil, fmt.Errorf("Narrow: invalid column range [%d %d) for shape %v", from, to, a.Shape())
	}
	rows, cols, width := a.Rows(), a.Cols(), to-from
	src := a.Data()
	out := make([]float32, rows*width)
	for i := 0; i < rows; i++ {
		copy(out[i*width:(i+1)*width], src[i*cols+from:i*cols+to])
	}
	result, err := NewTensor(rows, width, a.device, out)
	if err != nil {
		return nil, err
	}
	return connect(result, &narrowOp{a: a, from: from, to: to}, a), nil
}

func (op *narrowOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *narrowOp) Backward(gradOut *Tensor, track bool) ([]*Tensor, error) {
	g, err := padCols(gradOut, op.from, op.a.Cols())
	if err != nil {
		return nil, err
	}
	return []*Tensor{g}, nil
}

// padColsOp embeds a tensor into a wider zero matrix.
type padColsOp struct {
	s           *Tensor
	from, total int
}

// padCols places s into a zero matrix of width total, starting at column from.
func padCols(s *Tensor, from, total int) (*Tensor, error) {
	rows, width := s.Rows(), s.Cols()
	if from < 0 || from+width > total {
		return nil, fmt.Errorf("padCols: range [%d %d) exceeds width %d", from, from+width, total)
	}
	src := s.Data()
	out := make([]float32, rows*total)
	for i := 0; i < rows; i++ {
		copy(out[i*total+from:], src[i*width:(i+1)*width])
	}
	result, err := NewTensor(rows, total, s.device, out)
	if err != nil {
		return nil, err
	}
	return connect(result, &padColsOp{s: s, from: from, total: total}, s), nil
}

func (op *padColsOp) Inputs() []*Tensor { return []*Tensor{op.s} }

func (op *padColsOp) Backward(gradOut *Tensor, track bool) ([]*Tensor, error) {
	g, err := Narrow(gradOut, op.from, op.from+op.s.Cols())
	if err != nil {
		return nil, err
	}
	return []*Tensor{g}, nil
}

// addBiasOp broadcasts a row vector over every row.
type addBiasOp struct{ x, b *Tensor }

// AddBias adds row vector b [1 c] to every row of x [r c].
func AddBias(x, b *Tensor) (*Tensor, error) {
	if b.Rows() != 1 || b.Cols() != x.Cols() {
		return nil, fmt.Errorf("AddBias: bias shape %v does not broadcast over %v", b.Shape(), x.Shape())
	}
	rows, cols := x.Rows(), x.Cols()
	xd, bd := x.Data(), b.Data()
	out := make([]float32, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out[i*cols+j] = xd[i*cols+j] + bd[j]
		}
	}
	result, err := NewTensor(rows, cols, x.device, out)
	if err != nil {
		return nil, err
	}
	return connect(result, &addBiasOp{x: x, b: b}, x, b), nil
}

func (op *addBiasOp) Inputs() []*Tensor { return []*Tensor{op.x, op.b} }

func (op *addBiasOp) Backward(gradOut *Tensor, track bool) ([]*Tensor, error) {
	// Broadcast in forward means sum over rows in backward.
	gb, err := SumDim0(gradOut)
	if err != nil {
		return nil, err
	}
	return []*Tensor{gradOut, gb}, nil
}

// sumDim0Op sums down columns.
type sumDim0Op struct{ a *Tensor }

// SumDim0 reduces [r c] to [1 c] by summing each column.
func SumDim0(a *Tensor) (*Tensor, error) {
	rows, cols := a.Rows(), a.Cols()
	src := a.Data()
	out := make([]float32, cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out[j] += src[i*cols+j]
		}
	}
	result, err := NewTensor(1, cols, a.device, out)
	if err != nil {
		return nil, err
	}
	return connect(result, &sumDim0Op{a: a}, a), nil
}

func (op *sumDim0Op) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *sumDim0Op) Backward(gradOut *Tensor, track bool) ([]*Tensor, error) {
	g, err := RepeatRows(gradOut, op.a.Rows())
	if err != nil {
		return nil, err
	}
	return []*Tensor{g}, nil
}

// repeatRowsOp tiles a row vector.
type repeatRowsOp struct {
	a *Tensor
	n int
}

// RepeatRows tiles row vector a [1 c] into [n c].
func RepeatRows(a *Tensor, n int) (*Tensor, error) {
	if a.Rows() != 1 {
		return nil, fmt.Errorf("RepeatRows: want a row vector, have shape %v", a.Shape())
	}
	if n <= 0 {
		return nil, fmt.Errorf("RepeatRows: invalid count %d", n)
	}
	cols := a.Cols()
	src := a.Data()
	out := make([]float32, n*cols)
	for i := 0; i < n; i++ {
		copy(out[i*cols:(i+1)*cols], src)
	}
	result, err := NewTensor(n, cols, a.device, out)
	if err != nil {
		return nil, err
	}
	return connect(result, &repeatRowsOp{a: a, n: n}, a), nil
}

func (op *repeatRowsOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *repeatRowsOp) Backward(gradOut *Tensor, track bool) ([]*Tensor, error) {
	g, err := SumDim0(gradOut)
	if err != nil {
		return nil, err
	}
	return []*Tensor{g}, nil
}

// sumDim1Op sums along rows.
type sumDim1Op struct{ a *Tensor }

// SumDim1 reduces [r c] to [r 1] by summing each row.
func SumDim1(a *Tensor) (*Tensor, error) {
	rows, cols := a.Rows(), a.Cols()
	src := a.Data()
	out := make([]float32, rows)
	for i := 0; i < rows; i++ {
		var sum float32
		for j := 0; j < cols; j++ {
			sum += src[i*cols+j]
		}
		out[i] = sum
	}
	result, err := NewTensor(rows, 1, a.device, out)
	if err != nil {
		return nil, err
	}
	return connect(result, &sumDim1Op{a: a}, a), nil
}

func (op *sumDim1Op) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *sumDim1Op) Backward(gradOut *Tensor, track bool) ([]*Tensor, error) {
	g, err := RepeatCols(gradOut, op.a.Cols())
	if err != nil {
		return nil, err
	}
	return []*Tensor{g}, nil
}

// repeatColsOp tiles a column vector.
type repeatColsOp struct {
	a *Tensor
	n int
}

// RepeatCols tiles column vector a [r 1] into [r n].
func RepeatCols(a *Tensor, n int) (*Tensor, error) {
	if a.Cols() != 1 {
		return nil, fmt.Errorf("RepeatCols: want a column vector, have shape %v", a.Shape())
	}
	if n <= 0 {
		return nil, fmt.Errorf("RepeatCols: invalid count %d", n)
	}
	rows := a.Rows()
	src := a.Data()
	out := make([]float32, rows*n)
	for i := 0; i < rows; i++ {
		for j := 0; j < n; j++ {
			out[i*n+j] = src[i]
		}
	}
	result, err := NewTensor(rows, n, a.device, out)
	if err != nil {
		return nil, err
	}
	return connect(result, &repeatColsOp{a: a, n: n}, a), nil
}

func (op *repeatColsOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *repeatColsOp) Backward(gradOut *Tensor, track bool) ([]*Tensor, error) {
	g, err := SumDim1(gradOut)
	if err != nil {
		return nil, err
	}
	return []*Tensor{g}, nil
}

// sumAllOp reduces to a scalar.
type sumAllOp struct{ a *Tensor }

// SumAll reduces a to the [1 1] sum of all its elements.
func SumAll(a *Tensor) (*Tensor, error) {
	var sum float32
	for _, v := range a.Data() {
		sum += v
	}
	result, err := Scalar(sum, a.device)
	if err != nil {
		return nil, err
	}
	return connect(result, &sumAllOp{a: a}, a), nil
}

func (op *sumAllOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *sumAllOp) Backward(gradOut *Tensor, track bool) ([]*Tensor, error) {
	g, err := SpreadScalar(gradOut, op.a.Rows(), op.a.Cols())
	if err != nil {
		return nil, err
	}
	return []*Tensor{g}, nil
}

// spreadScalarOp broadcasts a scalar to a full matrix.
type spreadScalarOp struct {
	s          *Tensor
	rows, cols int
}

// SpreadScalar broadcasts scalar s to a [rows cols] matrix.
func SpreadScalar(s *Tensor, rows, cols int) (*Tensor, error) {
	if !s.IsScalar() {
		return nil, fmt.Errorf("SpreadScalar: want a scalar, have shape %v", s.Shape())
	}
	result, err := Full(rows, cols, s.Data()[0], s.device)
	if err != nil {
		return nil, err
	}
	return connect(result, &spreadScalarOp{s: s, rows: rows, cols: cols}, s), nil
}

func (op *spreadScalarOp) Inputs() []*Tensor { return []*Tensor{op.s} }

func (op *spreadScalarOp) Backward(gradOut *Tensor, track bool) ([]*Tensor, error) {
	g, err := SumAll(gradOut)
	if err != nil {
		return nil, err
	}
	return []*Tensor{g}, nil
}

// Mean reduces a to the scalar average of all its elements.
func Mean(a *Tensor) (*Tensor, error) {
	total, err := SumAll(a)
	if err != nil {
		return nil, err
	}
	return Scale(total, 1/float32(a.Rows()*a.Cols()))
}

// squareOp squares elementwise.
type squareOp struct{ a *Tensor }

// Square returns a ⊙ a.
func Square(a *Tensor) (*Tensor, error) {
	src := a.Data()
	out := make([]float32, len(src))
	for i, v := range src {
		out[i] = v * v
	}
	result, err := NewTensor(a.Rows(), a.Cols(), a.device, out)
	if err != nil {
		return nil, err
	}
	return connect(result, &squareOp{a: a}, a), nil
}

func (op *squareOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *squareOp) Backward(gradOut *Tensor, track bool) ([]*Tensor, error) {
	a := op.a
	if !track {
		a = a.Detach()
	}
	// ∂(a²)/∂a = 2a
	doubled, err := Scale(a, 2)
	if err != nil {
		return nil, err
	}
	g, err := Mul(gradOut, doubled)
	if err != nil {
		return nil, err
	}
	return []*Tensor{g}, nil
}

// sqrtOp takes elementwise square roots.
type sqrtOp struct{ a, out *Tensor }

// Sqrt returns the elementwise square root.
func Sqrt(a *Tensor) (*Tensor, error) {
	src := a.Data()
	out := make([]float32, len(src))
	for i, v := range src {
		out[i] = float32(math.Sqrt(float64(v)))
	}
	result, err := NewTensor(a.Rows(), a.Cols(), a.device, out)
	if err != nil {
		return nil, err
	}
	return connect(result, &sqrtOp{a: a, out: result}, a), nil
}

func (op *sqrtOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *sqrtOp) Backward(gradOut *Tensor, track bool) ([]*Tensor, error) {
	out := op.out
	if !track {
		out = out.Detach()
	}
	// ∂√a/∂a = 1/(2√a)
	twice, err := Scale(out, 2)
	if err != nil {
		return nil, err
	}
	g, err := Div(gradOut, twice)
	if err != nil {
		return nil, err
	}
	return []*Tensor{g}, nil
}

// logOp takes elementwise natural logarithms.
type logOp struct{ a *Tensor }

// Log returns the elementwise natural logarithm.
func Log(a *Tensor) (*Tensor, error) {
	src := a.Data()
	out := make([]float32, len(src))
	for i, v := range src {
		out[i] = float32(math.Log(float64(v)))
	}
	result, err := NewTensor(a.Rows(), a.Cols(), a.device, out)
	if err != nil {
		return nil, err
	}
	return connect(result, &logOp{a: a}, a), nil
}

func (op *logOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *logOp) Backward(gradOut *Tensor, track bool) ([]*Tensor, error) {
	a := op.a
	if !track {
		a = a.Detach()
	}
	// ∂log(a)/∂a = 1/a
	g, err := Div(gradOut, a)
	if err != nil {
		return nil, err
	}
	return []*Tensor{g}, nil
}

// reluOp implements the rectified linear unit.
type reluOp struct{ a *Tensor }

// ReLU returns max(0, a) elementwise.
func ReLU(a *Tensor) (*Tensor, error) {
	src := a.Data()
	out := make([]float32, len(src))
	for i, v := range src {
		if v > 0 {
			out[i] = v
		}
	}
	result, err := NewTensor(a.Rows(), a.Cols(), a.device, out)
	if err != nil {
		return nil, err
	}
	return connect(result, &reluOp{a: a}, a), nil
}

func (op *reluOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *reluOp) Backward(gradOut *Tensor, track bool) ([]*Tensor, error) {
	// The activation mask is constant under differentiation.
	src := op.a.Data()
	mask := make([]float32, len(src))
	for i, v := range src {
		if v > 0 {
			mask[i] = 1
		}
	}
	m, err := NewTensor(op.a.Rows(), op.a.Cols(), op.a.device, mask)
	if err != nil {
		return nil, err
	}
	g, err := Mul(gradOut, m)
	if err != nil {
		return nil, err
	}
	return []*Tensor{g}, nil
}

// leakyReLUOp implements the leaky rectified linear unit.
type leakyReLUOp struct {
	a     *Tensor
	slope float32
}

// LeakyReLU returns a where positive, slope*a elsewhere.
func LeakyReLU(a *Tensor, slope float32) (*Tensor, error) {
	src := a.Data()
	out := make([]float32, len(src))
	for i, v := range src {
		if v > 0 {
			out[i] = v
		} else {
			out[i] = slope * v
		}
	}
	result, err := NewTensor(a.Rows(), a.Cols(), a.device, out)
	if err != nil {
		return nil, err
	}
	return connect(result, &leakyReLUOp{a: a, slope: slope}, a), nil
}

func (op *leakyReLUOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *leakyReLUOp) Backward(gradOut *Tensor, track bool) ([]*Tensor, error) {
	src := op.a.Data()
	mask := make([]float32, len(src))
	for i, v := range src {
		if v > 0 {
			mask[i] = 1
		} else {
			mask[i] = op.slope
		}
	}
	m, err := NewTensor(op.a.Rows(), op.a.Cols(), op.a.device, mask)
	if err != nil {
		return nil, err
	}
	g, err := Mul(gradOut, m)
	if err != nil {
		return nil, err
	}
	return []*Tensor{g}, nil
}

// softmaxOp normalizes rows into probability distributions.
type softmaxOp struct{ a, out *Tensor }

// Softmax normalizes each row of a into a probability distribution,
// subtracting the row maximum before exponentiation.
func Softmax(a *Tensor) (*Tensor, error) {
	rows, cols := a.Rows(), a.Cols()
	src := a.Data()
	out := make([]float32, rows*cols)
	for i := 0; i < rows; i++ {
		row := src[i*cols : (i+1)*cols]
		max := row[0]
		for _, v := range row[1:] {
			if v > max {
				max = v
			}
		}
		var sum float32
		for j, v := range row {
			e := float32(math.Exp(float64(v - max)))
			out[i*cols+j] = e
			sum += e
		}
		for j := 0; j < cols; j++ {
			out[i*cols+j] /= sum
		}
	}
	result, err := NewTensor(rows, cols, a.device, out)
	if err != nil {
		return nil, err
	}
	return connect(result, &softmaxOp{a: a, out: result}, a), nil
}

func (op *softmaxOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *softmaxOp) Backward(gradOut *Tensor, track bool) ([]*Tensor, error) {
	s := op.out
	if !track {
		s = s.Detach()
	}
	// ∂softmax: s ⊙ (g - rowsum(g ⊙ s))
	gs, err := Mul(gradOut, s)
	if err != nil {
		return nil, err
	}
	inner, err := SumDim1(gs)
	if err != nil {
		return nil, err
	}
	spread, err := RepeatCols(inner, s.Cols())
	if err != nil {
		return nil, err
	}
	diff, err := Sub(gradOut, spread)
	if err != nil {
		return nil, err
	}
	g, err := Mul(s, diff)
	if err != nil {
		return nil, err
	}
	return []*Tensor{g}, nil
}

// gatherOp picks one entry per row.
type gatherOp struct {
	a   *Tensor
	idx []int
}

// Gather returns the column vector out[i] = a[i, idx[i]].
func Gather(a *Tensor, idx []int) (*Tensor, error) {
	rows, cols := a.Rows(), a.Cols()
	if len(idx) != rows {
		return nil, fmt.Errorf("Gather: %d indices for %d rows", len(idx), rows)
	}
	src := a.Data()
	out := make([]float32, rows)
	for i, j := range idx {
		if j < 0 || j >= cols {
			return nil, fmt.Errorf("Gather: index %d out of range [0 %d) at row %d", j, cols, i)
		}
		out[i] = src[i*cols+j]
	}
	result, err := NewTensor(rows, 1, a.device, out)
	if err != nil {
		return nil, err
	}
	return connect(result, &gatherOp{a: a, idx: idx}, a), nil
}

func (op *gatherOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *gatherOp) Backward(gradOut *Tensor, track bool) ([]*Tensor, error) {
	g, err := ScatterCols(gradOut, op.idx, op.a.Cols())
	if err != nil {
		return nil, err
	}
	return []*Tensor{g}, nil
}

// scatterColsOp spreads a column vector into selected columns.
type scatterColsOp struct {
	s    *Tensor
	idx  []int
	cols int
}

// ScatterCols spreads column vector s [r 1] into a zero matrix [r cols],
// writing s[i] at column idx[i] of row i.
func ScatterCols(s *Tensor, idx []int, cols int) (*Tensor, error) {
	rows := s.Rows()
	if s.Cols() != 1 {
		return nil, fmt.Errorf("ScatterCols: want a column vector, have shape %v", s.Shape())
	}
	if len(idx) != rows {
		return nil, fmt.Errorf("ScatterCols: %d indices for %d rows", len(idx), rows)
	}
	src := s.Data()
	out := make([]float32, rows*cols)
	for i, j := range idx {
		if j < 0 || j >= cols {
			return nil, fmt.Errorf("ScatterCols: index %d out of range [0 %d) at row %d", j, cols, i)
		}
		out[i*cols+j] = src[i]
	}
	result, err := NewTensor(rows, cols, s.device, out)
	if err != nil {
		return nil, err
	}
	return connect(result, &scatterColsOp{s: s, idx: idx, cols: cols}, s), nil
}

func (op *scatterColsOp) Inputs() []*Tensor { return []*Tensor{op.s} }

func (op *scatterColsOp) Backward(gradOut *Tensor, track bool) ([]*Tensor, error) {
	g, err := Gather(gradOut, op.idx)
	if err != nil {
		return nil, err
	}
	return []*Tensor{g}, nil
}

// crossEntropyOp fuses row-wise softmax with negative log likelihood.
type crossEntropyOp struct {
	logits *Tensor
	labels []int
	probs  *Tensor
}

// CrossEntropy computes the mean negative log likelihood of the labels under
// a row-wise softmax of the logits, with max subtraction for stability and a
// 1e-10 floor inside the logarithm.
func CrossEntropy(logits *Tensor, labels []int) (*Tensor, error) {
	rows, cols := logits.Rows(), logits.Cols()
	if len(labels) != rows {
		return nil, fmt.Errorf("CrossEntropy: %d labels for %d rows", len(labels), rows)
	}
	src := logits.Data()
	probs := make([]float32, rows*cols)
	var total float64
	for i := 0; i < rows; i++ {
		y := labels[i]
		if y < 0 || y >= cols {
			return nil, fmt.Errorf("CrossEntropy: label %d out of range [0 %d) at row %d", y, cols, i)
		}
		row := src[i*cols : (i+1)*cols]
		max := row[0]
		for _, v := range row[1:] {
			if v > max {
				max = v
			}
		}
		var sum float32
		for j, v := range row {
			e := float32(math.Exp(float64(v - max)))
			probs[i*cols+j] = e
			sum += e
		}
		for j := 0; j < cols; j++ {
			probs[i*cols+j] /= sum
		}
		total += -math.Log(float64(probs[i*cols+y]) + 1e-10)
	}
	result, err := Scalar(float32(total/float64(rows)), logits.device)
	if err != nil {
		return nil, err
	}
	pt, err := NewTensor(rows, cols, logits.device, probs)
	if err != nil {
		return nil, err
	}
	op := &crossEntropyOp{logits: logits, labels: labels, probs: pt}
	return connect(result, op, logits), nil
}

func (op *crossEntropyOp) Inputs() []*Tensor { return []*Tensor{op.logits} }

func (op *crossEntropyOp) Backward(gradOut *Tensor, track bool) ([]*Tensor, error) {
	rows, cols := op.probs.Rows(), op.probs.Cols()
	// ∂CE/∂logits = (softmax - onehot) / rows
	m := make([]float32, rows*cols)
	copy(m, op.probs.Data())
	for i, y := range op.labels {
		m[i*cols+y] -= 1
	}
	inv := 1 / float32(rows)
	for i := range m {
		m[i] *= inv
	}
	mt, err := NewTensor(rows, cols, op.probs.device, m)
	if err != nil {
		return nil, err
	}
	spread, err := SpreadScalar(gradOut, rows, cols)
	if err != nil {
		return nil, err
	}
	g, err := Mul(spread, mt)
	if err != nil {
		return nil, err
	}
	return []*Tensor{g}, nil
}
