// Package anomaly flags statistically unusual vital-sign patterns with a
// fitted isolation forest.
package anomaly

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
)

// ErrFeatureCount is returned when a vector does not match the model width.
var ErrFeatureCount = errors.New("feature count mismatch")

const eulerGamma = 0.5772156649015329

// Node is one node of an isolation tree. Leaves have Left == -1.
type Node struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Samples   int     `json:"samples"`
}

// Tree is a flat array of nodes rooted at index 0.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Forest is a fitted isolation forest exported from scikit-learn. Offset is
// the fitted decision threshold; a point is an outlier when its score minus
// Offset is negative.
type Forest struct {
	MaxSamples int     `json:"max_samples"`
	Offset     float64 `json:"offset"`
	NFeatures  int     `json:"n_features"`
	Trees      []Tree  `json:"trees"`
}

// LoadForest reads a forest from a JSON file.
func LoadForest(path string) (*Forest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read anomaly model: %w", err)
	}
	return ParseForest(data)
}

// ParseForest decodes and checks a forest.
func ParseForest(data []byte) (*Forest, error) {
	var f Forest
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode anomaly model: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *Forest) validate() error {
	if len(f.Trees) == 0 {
		return errors.New("anomaly model has no trees")
	}
	if f.MaxSamples < 2 || f.NFeatures < 1 {
		return fmt.Errorf("anomaly model has invalid shape (max_samples=%d, n_features=%d)", f.MaxSamples, f.NFeatures)
	}
	for ti, t := range f.Trees {
		if len(t.Nodes) == 0 {
			return fmt.Errorf("tree %d is empty", ti)
		}
		for ni, n := range t.Nodes {
			if n.Left == -1 {
				continue
			}
			if n.Left <= ni || n.Right <= ni || n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes) {
				return fmt.Errorf("tree %d node %d has invalid children", ti, ni)
			}
			if n.Feature < 0 || n.Feature >= f.NFeatures {
				return fmt.Errorf("tree %d node %d splits on unknown feature %d", ti, ni, n.Feature)
			}
		}
	}
	return nil
}

// Score returns the anomaly score in [-1, 0); lower is more anomalous.
func (f *Forest) Score(x []float64) (float64, error) {
	if len(x) != f.NFeatures {
		return 0, fmt.Errorf("%w: got %d, want %d", ErrFeatureCount, len(x), f.NFeatures)
	}
	var total float64
	for _, t := range f.Trees {
		total += t.pathLength(x)
	}
	mean := total / float64(len(f.Trees))
	return -math.Pow(2, -mean/averagePathLength(f.MaxSamples)), nil
}

// IsOutlier reports whether x falls below the fitted decision threshold.
func (f *Forest) IsOutlier(x []float64) (bool, error) {
	s, err := f.Score(x)
	if err != nil {
		return false, err
	}
	return s-f.Offset < 0, nil
}

func (t Tree) pathLength(x []float64) float64 {
	i, depth := 0, 0
	for {
		n := t.Nodes[i]
		if n.Left == -1 {
			return float64(depth) + averagePathLength(n.Samples)
		}
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
		depth++
	}
}

// averagePathLength is c(n), the mean path length of an unsuccessful binary
// search tree lookup over n points.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}
