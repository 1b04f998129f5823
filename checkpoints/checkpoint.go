package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/sebastko/Feature-Generating-Networks/tensor"
)

// Checkpoint is the serialized parameter state of one model.
type Checkpoint struct {
	Weights  []WeightTensor     `json:"weights"`
	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// CheckpointMetadata contains checkpoint metadata.
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
}

// Saver reads and writes named checkpoints under a fixed base directory.
// Checkpoints are stored one file per model as indented JSON.
type Saver struct {
	dir string
}

// NewSaver creates a Saver rooted at dir. The directory is created if it
// does not exist yet; an existing directory is not an error.
func NewSaver(dir string) (*Saver, error) {
	if dir == "" {
		return nil, errors.New("checkpoint directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create checkpoint directory %s", dir)
	}
	return &Saver{dir: dir}, nil
}

// Dir returns the base directory checkpoints are stored under.
func (s *Saver) Dir() string { return s.dir }

// Path returns the file path the named checkpoint is stored at.
func (s *Saver) Path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// Exists reports whether the named checkpoint is present on disk.
func (s *Saver) Exists(name string) bool {
	_, err := os.Stat(s.Path(name))
	return err == nil
}

// Save writes the checkpoint under the given logical name, overwriting any
// previous checkpoint with that name.
func (s *Saver) Save(name string, checkpoint *Checkpoint) error {
	// Ensure metadata is set
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "fgn"
		checkpoint.Metadata.Version = "1.0.0"
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	path := s.Path(name)
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create checkpoint file %s", path)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(checkpoint); err != nil {
		return errors.Wrapf(err, "failed to encode checkpoint %s", name)
	}
	return nil
}

// Load reads the checkpoint stored under the given logical name.
func (s *Saver) Load(name string) (*Checkpoint, error) {
	path := s.Path(name)
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open checkpoint file %s", path)
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, errors.Wrapf(err, "failed to decode checkpoint %s", name)
	}
	return &checkpoint, nil
}

// ExtractWeights snapshots parameter tensors into weight records named
// <prefix>.<index>. Data is copied, so training steps taken after the
// snapshot do not leak into it.
func ExtractWeights(prefix string, params []*tensor.Tensor) []WeightTensor {
	weights := make([]WeightTensor, 0, len(params))
	for i, param := range params {
		weights = append(weights, WeightTensor{
			Name:  fmt.Sprintf("%s.%d", prefix, i),
			Shape: param.Shape(),
			Data:  append([]float32(nil), param.Data()...),
		})
	}
	return weights
}

// VerifyWeights checks that checkpoint weights line up one-to-one with the
// given parameter tensors in count, shape and data size.
func VerifyWeights(checkpoint *Checkpoint, params []*tensor.Tensor) error {
	if len(checkpoint.Weights) != len(params) {
		return errors.Errorf("weight count mismatch: checkpoint has %d, model has %d",
			len(checkpoint.Weights), len(params))
	}
	for i, w := range checkpoint.Weights {
		shape := params[i].Shape()
		if len(w.Shape) != len(shape) {
			return errors.Errorf("rank mismatch for %s: checkpoint %v, model %v", w.Name, w.Shape, shape)
		}
		n := 1
		for j, dim := range shape {
			if w.Shape[j] != dim {
				return errors.Errorf("shape mismatch for %s: checkpoint %v, model %v", w.Name, w.Shape, shape)
			}
			n *= dim
		}
		if len(w.Data) != n {
			return errors.Errorf("data size mismatch for %s: %d values for shape %v", w.Name, len(w.Data), w.Shape)
		}
	}
	return nil
}

// ApplyWeights copies checkpoint weights into the parameter tensors in
// place after verifying counts and shapes. Tensor identity is preserved,
// so optimizer state keyed by tensor stays attached across a reload.
func ApplyWeights(checkpoint *Checkpoint, params []*tensor.Tensor) error {
	if err := VerifyWeights(checkpoint, params); err != nil {
		return err
	}
	for i, w := range checkpoint.Weights {
		copy(params[i].Data(), w.Data)
	}
	return nil
}
