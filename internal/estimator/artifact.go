package estimator

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// ArtifactName is the repository key under which forest models are stored.
const ArtifactName = "fraud-forest"

// ErrInvalidArtifact is returned for artifacts that cannot be served.
var ErrInvalidArtifact = errors.New("invalid model artifact")

// Node is one node of a decision tree. Leaves hold the positive-class
// probability in Value; split nodes send x[Feature] <= Threshold left.
type Node struct {
	Feature   int     `json:"f,omitempty"`
	Threshold float64 `json:"t,omitempty"`
	Left      int     `json:"l,omitempty"`
	Right     int     `json:"r,omitempty"`
	Leaf      bool    `json:"leaf,omitempty"`
	Value     float64 `json:"v,omitempty"`
}

// Tree is a flattened decision tree rooted at Nodes[0].
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Scaler is the standardization fitted at training time.
type Scaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// Transform standardizes a vector.
func (s Scaler) Transform(v domain.FeatureVector) domain.FeatureVector {
	var out domain.FeatureVector
	for i := range v {
		out[i] = (v[i] - s.Mean[i]) / s.Scale[i]
	}
	return out
}

// Artifact is the serialized parameter set of a trained forest.
type Artifact struct {
	Version      string    `json:"version"`
	Source       string    `json:"source"`
	TrainedAt    time.Time `json:"trainedAt"`
	FeatureNames []string  `json:"featureNames"`
	Scaler       Scaler    `json:"scaler"`
	Trees        []Tree    `json:"trees"`
	Importances  []float64 `json:"importances"`

	// Params records the training hyperparameters for audit.
	Params map[string]float64 `json:"params,omitempty"`
}

// Validate checks that the artifact matches the feature layout and that
// every tree is well formed.
func (a *Artifact) Validate() error {
	if a == nil {
		return fmt.Errorf("%w: nil artifact", ErrInvalidArtifact)
	}
	if len(a.FeatureNames) != domain.FeatureCount {
		return fmt.Errorf("%w: expected %d features, got %d", ErrInvalidArtifact, domain.FeatureCount, len(a.FeatureNames))
	}
	for i, name := range a.FeatureNames {
		if name != domain.FeatureNames[i] {
			return fmt.Errorf("%w: feature %d is %q, expected %q", ErrInvalidArtifact, i, name, domain.FeatureNames[i])
		}
	}
	if len(a.Scaler.Mean) != domain.FeatureCount || len(a.Scaler.Scale) != domain.FeatureCount {
		return fmt.Errorf("%w: scaler has wrong dimensions", ErrInvalidArtifact)
	}
	for i := range a.Scaler.Scale {
		if !finite(a.Scaler.Mean[i]) || !finite(a.Scaler.Scale[i]) || a.Scaler.Scale[i] == 0 {
			return fmt.Errorf("%w: scaler slot %d is not usable", ErrInvalidArtifact, i)
		}
	}
	if len(a.Importances) != domain.FeatureCount {
		return fmt.Errorf("%w: expected %d importances, got %d", ErrInvalidArtifact, domain.FeatureCount, len(a.Importances))
	}
	if len(a.Trees) == 0 {
		return fmt.Errorf("%w: no trees", ErrInvalidArtifact)
	}
	for ti, tree := range a.Trees {
		if err := validateTree(tree); err != nil {
			return fmt.Errorf("%w: tree %d: %v", ErrInvalidArtifact, ti, err)
		}
	}
	return nil
}

// validateTree requires children to come after their parent, which also
// rules out cycles.
func validateTree(t Tree) error {
	if len(t.Nodes) == 0 {
		return errors.New("empty tree")
	}
	for i, n := range t.Nodes {
		if n.Leaf {
			if !finite(n.Value) || n.Value < 0 || n.Value > 1 {
				return fmt.Errorf("node %d: leaf value %v out of range", i, n.Value)
			}
			continue
		}
		if n.Feature < 0 || n.Feature >= domain.FeatureCount {
			return fmt.Errorf("node %d: feature %d out of range", i, n.Feature)
		}
		if n.Left <= i || n.Right <= i || n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes) {
			return fmt.Errorf("node %d: bad child index", i)
		}
	}
	return nil
}

// Encode serializes the artifact as JSON.
func (a *Artifact) Encode() ([]byte, error) {
	return json.Marshal(a)
}

// DecodeArtifact parses and validates a serialized artifact.
func DecodeArtifact(data []byte) (*Artifact, error) {
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArtifact, err)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

// LoadFile reads an artifact from disk.
func LoadFile(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model %s: %w", path, err)
	}
	return DecodeArtifact(data)
}

// SaveFile writes an artifact to disk, creating parent directories.
func SaveFile(path string, a *Artifact) error {
	data, err := a.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode model: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create model directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write model %s: %w", path, err)
	}
	return nil
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
