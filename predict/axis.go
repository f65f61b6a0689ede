package predict

import (
	"fmt"
	"strings"
)

// Axis is the plane orientation used to slice a Z, Y, X volume into 2D planes.
type Axis int

const (
	// XY planes are stacked along Z.
	XY Axis = iota
	// ZX planes are stacked along Y.
	ZX
	// ZY planes are stacked along X.
	ZY
)

// Axes lists the orientations in the order they are predicted.
var Axes = [3]Axis{XY, ZX, ZY}

// AxisDescriptor holds the data needed to run 2D inference in one orientation.
// Permutations act on (Z, Y, X, C) volumes.
type AxisDescriptor struct {
	Name string

	// Perm transposes a (Z, Y, X, C) volume into (planes, rows, cols, C).
	Perm [4]int

	// Inverse transposes a (planes, rows, cols, C) prediction into (C, Z, Y, X).
	Inverse [4]int

	// Stacked is the spatial axis (0=Z, 1=Y, 2=X) the planes are stacked along.
	Stacked int

	// anisotropic is true if plane rows run along Z and need the anisotropy factor.
	anisotropic bool
}

var descriptors = [3]AxisDescriptor{
	{Name: "XY", Perm: [4]int{0, 1, 2, 3}, Inverse: [4]int{3, 0, 1, 2}, Stacked: 0},
	{Name: "ZX", Perm: [4]int{1, 0, 2, 3}, Inverse: [4]int{3, 1, 0, 2}, Stacked: 1, anisotropic: true},
	{Name: "ZY", Perm: [4]int{2, 0, 1, 3}, Inverse: [4]int{3, 1, 2, 0}, Stacked: 2, anisotropic: true},
}

// Descriptor returns the permutation data for the orientation.
func (a Axis) Descriptor() AxisDescriptor {
	return descriptors[a]
}

// Valid returns true for the three known orientations.
func (a Axis) Valid() bool {
	return a >= XY && a <= ZY
}

func (a Axis) String() string {
	if !a.Valid() {
		return fmt.Sprintf("Axis(%d)", int(a))
	}
	return descriptors[a].Name
}

// Rescale returns the (row, col) scale factors applied to each plane for isotropy.
func (d AxisDescriptor) Rescale(rsz, anisotropy float64) [2]float64 {
	if d.anisotropic && anisotropy > 0 {
		return [2]float64{rsz * anisotropy, rsz}
	}
	return [2]float64{rsz, rsz}
}

// PredictionChunk returns the chunk shape that covers whole planes of the given
// spatial shape, taking slices planes along the stacked axis.
func (a Axis) PredictionChunk(spatial []int, slices int) ([]int, error) {
	if len(spatial) < 3 {
		return nil, fmt.Errorf("need a Z, Y, X shape, got %v", spatial)
	}
	if slices <= 0 {
		return nil, fmt.Errorf("slices per axis must be positive, got %d", slices)
	}
	s := spatial[len(spatial)-3:]
	chunk := []int{s[0], s[1], s[2]}
	chunk[a.Descriptor().Stacked] = slices
	return chunk, nil
}

// ParseAxis accepts "XY", "ZX", "ZY" or their indices "0", "1", "2".
func ParseAxis(s string) (Axis, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "XY", "0":
		return XY, nil
	case "ZX", "1":
		return ZX, nil
	case "ZY", "2":
		return ZY, nil
	}
	return 0, fmt.Errorf("unknown plane orientation %q", s)
}
