package tensor

import (
	"errors"
	"fmt"

	gt "gorgonia.org/tensor"
)

// ErrUnsupportedDevice is returned when a tensor is requested on a device
// this build cannot execute on.
var ErrUnsupportedDevice = errors.New("unsupported device")

type DeviceType int

const (
	CPU DeviceType = iota
	GPU
)

func (d DeviceType) String() string {
	switch d {
	case CPU:
		return "CPU"
	case GPU:
		return "GPU"
	default:
		return "Unknown"
	}
}

// Operation is a node in the reverse-mode differentiation graph. Backward
// receives the gradient of the loss with respect to the operation's output
// and returns gradients with respect to each input, in input order. When
// track is true the returned gradients are themselves built from recorded
// operations, so they can be differentiated again.
type Operation interface {
	Inputs() []*Tensor
	Backward(gradOut *Tensor, track bool) ([]*Tensor, error)
}

// Tensor is a dense two-dimensional float32 matrix. Scalars are [1 1],
// row vectors [1 n], column vectors [n 1]. Storage is a gorgonia Dense;
// same-shape arithmetic and matrix products delegate to it, so its shape
// errors surface unchanged.
type Tensor struct {
	dense        *gt.Dense
	device       DeviceType
	requiresGrad bool
	grad         *Tensor
	creator      Operation
}

func validateDims(rows, cols int) error {
	if rows <= 0 || cols <= 0 {
		return fmt.Errorf("invalid shape [%d %d]: dimensions must be positive", rows, cols)
	}
	return nil
}

func validateDevice(device DeviceType) error {
	if device != CPU {
		return fmt.Errorf("%w: %s (this build executes on CPU only)", ErrUnsupportedDevice, device)
	}
	return nil
}

// NewTensor creates a rows x cols tensor taking ownership of data.
func NewTensor(rows, cols int, device DeviceType, data []float32) (*Tensor, error) {
	if err := validateDims(rows, cols); err != nil {
		return nil, err
	}
	if err := validateDevice(device); err != nil {
		return nil, err
	}
	if len(data) != rows*cols {
		return nil, fmt.Errorf("data size %d does not match shape [%d %d]", len(data), rows, cols)
	}
	return &Tensor{
		dense:  gt.New(gt.WithShape(rows, cols), gt.WithBacking(data)),
		device: device,
	}, nil
}

// Zeros creates a rows x cols tensor filled with zeros.
func Zeros(rows, cols int, device DeviceType) (*Tensor, error) {
	if err := validateDims(rows, cols); err != nil {
		return nil, err
	}
	return NewTensor(rows, cols, device, make([]float32, rows*cols))
}

// Ones creates a rows x cols tensor filled with ones.
func Ones(rows, cols int, device DeviceType) (*Tensor, error) {
	return Full(rows, cols, 1, device)
}

// Full creates a rows x cols tensor filled with value.
func Full(rows, cols int, value float32, device DeviceType) (*Tensor, error) {
	if err := validateDims(rows, cols); err != nil {
		return nil, err
	}
	data := make([]float32, rows*cols)
	for i := range data {
		data[i] = value
	}
	return NewTensor(rows, cols, device, data)
}

// Scalar creates a [1 1] tensor holding value.
func Scalar(value float32, device DeviceType) (*Tensor, error) {
	return NewTensor(1, 1, device, []float32{value})
}

func fromDense(d *gt.Dense, device DeviceType) *Tensor {
	return &Tensor{dense: d, device: device}
}

func (t *Tensor) Shape() []int {
	s := t.dense.Shape()
	return []int{s[0], s[1]}
}

func (t *Tensor) Rows() int { return t.dense.Shape()[0] }
func (t *Tensor) Cols() int { return t.dense.Shape()[1] }

func (t *Tensor) Device() DeviceType { return t.device }

// Data exposes the backing slice in row-major order. Mutating it mutates
// the tensor.
func (t *Tensor) Data() []float32 {
	return t.dense.Data().([]float32)
}

// At reads the element at row i, column j.
func (t *Tensor) At(i, j int) float32 {
	return t.Data()[i*t.Cols()+j]
}

func (t *Tensor) IsScalar() bool {
	return t.Rows() == 1 && t.Cols() == 1
}

// Item reads the single element of a scalar tensor.
func (t *Tensor) Item() (float32, error) {
	if !t.IsScalar() {
		return 0, fmt.Errorf("Item requires a scalar tensor, have shape %v", t.Shape())
	}
	return t.Data()[0], nil
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, device=%s, requiresGrad=%v)",
		t.Shape(), t.device, t.requiresGrad)
}

func (t *Tensor) RequiresGrad() bool { return t.requiresGrad }

func (t *Tensor) SetRequiresGrad(requires bool) { t.requiresGrad = requires }

// Grad returns the accumulated gradient, or nil if none has been computed
// since the last ZeroGrad.
func (t *Tensor) Grad() *Tensor { return t.grad }

// SetGrad replaces the accumulated gradient. A nil gradient clears it.
func (t *Tensor) SetGrad(g *Tensor) { t.grad = g }

// ZeroGrad drops the accumulated gradient.
func (t *Tensor) ZeroGrad() { t.grad = nil }

// Clone returns a deep copy with no gradient state and no graph history.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{dense: t.dense.Clone().(*gt.Dense), device: t.device}
}

// Detach returns a view sharing this tensor's storage but cut off from the
// graph: it does not require gradients and has no creator. Forward passes
// that must not record history run against detached views.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{dense: t.dense, device: t.device}
}

// accumulateGrad adds g into the stored gradient, copying on first use so
// that no two tensors ever share gradient storage.
func (t *Tensor) accumulateGrad(g *Tensor) {
	if t.grad == nil {
		t.grad = g.Clone()
		return
	}
	dst, src := t.grad.Data(), g.Data()
	for i := range dst {
		dst[i] += src[i]
	}
}

// ArgmaxRows returns the column index of the maximum entry in each row.
func (t *Tensor) ArgmaxRows() []int {
	rows, cols := t.Rows(), t.Cols()
	data := t.Data()
	out := make([]int, rows)
	for i := 0; i < rows; i++ {
		row := data[i*cols : (i+1)*cols]
		best := 0
		for j := 1; j < cols; j++ {
			if row[j] > row[best] {
				best = j
			}
		}
		out[i] = best
	}
	return out
}
