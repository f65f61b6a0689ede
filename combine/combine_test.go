package combine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/janelia-flyem/cellflow/cellflow"
)

// voxel builds a (3, 1, 1, 1) prediction.
func voxel(a, b, p float32) *cellflow.Volume {
	v := cellflow.NewVolume(3, 1, 1, 1)
	copy(v.Data, []float32{a, b, p})
	return v
}

func TestCombineSingleVoxel(t *testing.T) {
	axes := [3]*cellflow.Volume{voxel(1, 2, 0.4), voxel(3, 4, 0.3), voxel(5, 6, 0.2)}
	res, err := Combine(axes, DefaultThreshold)
	require.NoError(t, err)
	require.Equal(t, []int{3, 1, 1, 1}, res.Combined.Shape)
	require.Equal(t, []float32{8, 7, 6}, res.Combined.Data)
	require.Equal(t, []uint8{1}, res.Mask.Data)
	require.Equal(t, []float32{8, 7, 6}, res.Masked.Data)
}

func TestCombineStrictThreshold(t *testing.T) {
	// Probabilities summing to exactly the threshold are outside the mask.
	axes := [3]*cellflow.Volume{voxel(1, 2, 0.5), voxel(3, 4, -0.25), voxel(5, 6, -0.25)}
	res, err := Combine(axes, 0.0)
	require.NoError(t, err)
	require.Equal(t, []uint8{0}, res.Mask.Data)
	require.Equal(t, []float32{8, 7, 6}, res.Combined.Data)
	require.Equal(t, []float32{0, 0, 0}, res.Masked.Data)

	res, err = Combine(axes, -0.1)
	require.NoError(t, err)
	require.Equal(t, []uint8{1}, res.Mask.Data)
}

func TestMaskedEqualsCombinedTimesMask(t *testing.T) {
	shape := []int{3, 2, 3, 4}
	var axes [3]*cellflow.Volume
	for a := range axes {
		v := cellflow.NewVolume(shape...)
		for i := range v.Data {
			v.Data[i] = float32((i*7+a*13)%11) - 5
		}
		axes[a] = v
	}
	res, err := Combine(axes, 0.5)
	require.NoError(t, err)
	require.Equal(t, []int{2, 3, 4}, res.Mask.Shape)
	n := len(res.Mask.Data)
	var inside, outside int
	for c := 0; c < 3; c++ {
		for i := 0; i < n; i++ {
			want := res.Combined.Data[c*n+i] * float32(res.Mask.Data[i])
			require.Equal(t, want, res.Masked.Data[c*n+i])
			if res.Mask.Data[i] == 1 {
				inside++
			} else {
				outside++
			}
		}
	}
	require.NotZero(t, inside)
	require.NotZero(t, outside)
}

func TestCombineUsesLastChannelAsProbability(t *testing.T) {
	mk := func(a, b, p float32) *cellflow.Volume {
		v := cellflow.NewVolume(4, 1, 1, 1)
		copy(v.Data, []float32{a, b, 100, p})
		return v
	}
	res, err := Combine([3]*cellflow.Volume{mk(1, 1, -1), mk(1, 1, -1), mk(1, 1, -1)}, 0)
	require.NoError(t, err)
	require.Equal(t, []uint8{0}, res.Mask.Data)
}

func TestCombineMisaligned(t *testing.T) {
	a := cellflow.NewVolume(3, 2, 2, 2)
	b := cellflow.NewVolume(3, 2, 2, 3)
	_, err := Combine([3]*cellflow.Volume{a, a, b}, 0)
	require.True(t, errors.Is(err, ErrMisaligned))

	_, err = Combine([3]*cellflow.Volume{a, nil, a}, 0)
	require.ErrorIs(t, err, ErrMisaligned)

	_, err = Combine([3]*cellflow.Volume{cellflow.NewVolume(2, 2, 2, 2), a, a}, 0)
	require.ErrorIs(t, err, ErrMisaligned)
}

func TestCombineStacked(t *testing.T) {
	v := cellflow.NewVolume(3, 3, 1, 1, 1)
	copy(v.Data, []float32{1, 2, 0.4, 3, 4, 0.3, 5, 6, 0.2})
	res, err := CombineStacked(v, 0)
	require.NoError(t, err)
	require.Equal(t, []float32{8, 7, 6}, res.Masked.Data)

	_, err = CombineStacked(cellflow.NewVolume(2, 3, 1, 1, 1), 0)
	require.ErrorIs(t, err, ErrMisaligned)
}
