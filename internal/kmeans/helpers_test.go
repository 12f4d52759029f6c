package kmeans

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// pickSource makes rand.Intn(n) return picks in order when n is a power of
// two: Intn masks the top 31 bits of Int63.
type pickSource struct {
	picks []int
	next  int
}

func (s *pickSource) Int63() int64 {
	v := s.picks[s.next%len(s.picks)]
	s.next++
	return int64(v) << 32
}

func (*pickSource) Seed(int64) {}

func picking(picks ...int) *rand.Rand {
	return rand.New(&pickSource{picks: picks})
}

// twoTones is a 4x4 RGB image: the left half dark, the right half light, with
// a little noise in each half.
func twoTones() []byte {
	pixels := make([]byte, 0, 16*3)
	for row := 0; row < 4; row++ {
		for col := 0; col < 4; col++ {
			noise := byte(row + col)
			if col < 2 {
				pixels = append(pixels, 10+noise, 20+noise, 30+noise)
			} else {
				pixels = append(pixels, 200-noise, 180-noise, 160+noise)
			}
		}
	}
	return pixels
}

// noise is a size x size RGB image of random bytes.
func noise(seed int64, size int) []byte {
	rng := rand.New(rand.NewSource(seed))
	pixels := make([]byte, size*size*3)
	rng.Read(pixels)
	return pixels
}

func newTestState(t testing.TB, pixels []byte, width, height, channels, k int) *State {
	t.Helper()
	s, err := NewState(pixels, width, height, channels, k)
	require.NoError(t, err)
	return s
}

func emulated() Accelerator {
	return Accelerator{Device: &HostDevice{}, WorkGroupSize: 4}
}
