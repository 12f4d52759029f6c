package kmeans

import "math/rand"

// InitCenters seeds every center with a uniformly drawn pixel. Draws are
// independent, so two centers may start from the same pixel.
func InitCenters(rng *rand.Rand, s *State) {
	n := s.NumPixels()
	for cluster := 0; cluster < s.Centers.Len(); cluster++ {
		pixel := s.Pixel(rng.Intn(n))
		center := s.Centers.At(cluster)
		for channel, v := range pixel {
			center[channel] = float64(v)
		}
	}
}
