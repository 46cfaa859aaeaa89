package reactctrl

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/pkg/errors"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/spatialmath"
)

//go:embed so101_kinematics.json
var so101KinematicsJSON []byte

// ModelChain adapts an rdk kinematic model to Chain. Bounds start at the
// model's joint limits and can be narrowed afterwards.
type ModelChain struct {
	model referenceframe.Model

	mu     sync.RWMutex
	limits []referenceframe.Limit
}

// NewModelChain wraps model.
func NewModelChain(model referenceframe.Model) *ModelChain {
	return &ModelChain{
		model:  model,
		limits: append([]referenceframe.Limit(nil), model.DoF()...),
	}
}

func parseModel(data []byte, name string) (referenceframe.Model, error) {
	m := &referenceframe.ModelConfigJSON{
		OriginalFile: &referenceframe.ModelFile{
			Bytes:     data,
			Extension: "json",
		},
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal json file")
	}
	return m.ParseConfig(name)
}

// DefaultModelChain returns the embedded SO-101 arm chain.
func DefaultModelChain() (*ModelChain, error) {
	model, err := parseModel(so101KinematicsJSON, "so101")
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse embedded kinematics")
	}
	return NewModelChain(model), nil
}

// LoadModelChain reads a kinematics JSON file.
func LoadModelChain(path, name string) (*ModelChain, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read kinematics file: %w", err)
	}
	model, err := parseModel(data, name)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse kinematics file %s", path)
	}
	return NewModelChain(model), nil
}

func (c *ModelChain) DoF() int {
	return len(c.model.DoF())
}

func (c *ModelChain) Limits() []referenceframe.Limit {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]referenceframe.Limit(nil), c.limits...)
}

func (c *ModelChain) SetLimits(limits []referenceframe.Limit) error {
	if len(limits) != c.DoF() {
		return fmt.Errorf("expected %d joint limits, got %d", c.DoF(), len(limits))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limits = append([]referenceframe.Limit(nil), limits...)
	return nil
}

func (c *ModelChain) Pose(q []float64) (spatialmath.Pose, error) {
	if len(q) != c.DoF() {
		return nil, fmt.Errorf("expected %d joint values, got %d", c.DoF(), len(q))
	}
	// bounds are the solver's concern, the pose is wanted wherever the arm is
	return referenceframe.ComputeOOBPosition(c.model, q)
}
