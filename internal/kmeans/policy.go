package kmeans

import "math"

// nearest returns the index of the center closest to pixel and the squared
// distance to it. Ties go to the lower index.
func nearest(pixel []byte, centers *Centers) (int, float64) {
	best, bestDistance := 0, math.MaxFloat64
	for cluster := 0; cluster < centers.Len(); cluster++ {
		center := centers.At(cluster)
		distance := 0.0
		for channel, v := range pixel {
			d := float64(v) - center[channel]
			distance += d * d
		}
		if distance < bestDistance {
			best, bestDistance = cluster, distance
		}
	}
	return best, bestDistance
}

// assignRange relabels pixels [lo, hi) and reports whether any label moved.
func assignRange(s *State, lo, hi int) bool {
	changed := false
	for i := lo; i < hi; i++ {
		label, distance := nearest(s.Pixel(i), s.Centers)
		s.Distances[i] = distance
		if s.Labels[i] != label {
			s.Labels[i] = label
			changed = true
		}
	}
	return changed
}

// accumulateRange adds pixels [lo, hi) into the per-cluster sums and counts.
func accumulateRange(s *State, sums *Centers, counts []int, lo, hi int) {
	for i := lo; i < hi; i++ {
		label := s.Labels[i]
		sum := sums.At(label)
		for channel, v := range s.Pixel(i) {
			sum[channel] += float64(v)
		}
		counts[label]++
	}
}

// finalize turns the sums into means, repairs empty clusters and stores the
// result as the new centers. It returns the number of repaired clusters.
func finalize(s *State, sums *Centers, counts []int) int {
	repaired := 0
	for cluster, count := range counts {
		if count == 0 {
			repairEmpty(s, sums, cluster)
			repaired++
			continue
		}
		sum := sums.At(cluster)
		for channel := range sum {
			sum[channel] /= float64(count)
		}
	}
	copy(s.Centers.values, sums.values)
	return repaired
}

// repairEmpty moves center cluster of dst onto the pixel with the largest
// recorded distance and zeroes that distance, so the next empty cluster of the
// same pass gets a different donor. With all distances at zero pixel 0 is
// the donor.
func repairEmpty(s *State, dst *Centers, cluster int) int {
	farthest, maxDistance := 0, 0.0
	for i, d := range s.Distances {
		if d > maxDistance {
			farthest, maxDistance = i, d
		}
	}
	center := dst.At(cluster)
	for channel, v := range s.Pixel(farthest) {
		center[channel] = float64(v)
	}
	s.Distances[farthest] = 0
	return farthest
}

// roundChannel rounds half away from zero and clamps to a byte.
func roundChannel(v float64) byte {
	r := math.Round(v)
	switch {
	case r <= 0 || math.IsNaN(r):
		return 0
	case r >= 255:
		return 255
	default:
		return byte(r)
	}
}

func reconstructRange(s *State, lo, hi int) {
	for i := lo; i < hi; i++ {
		center := s.Centers.At(s.Labels[i])
		pixel := s.Pixel(i)
		for channel := range pixel {
			pixel[channel] = roundChannel(center[channel])
		}
	}
}
