package kmeans

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitRange(t *testing.T) {
	for name, test := range map[string]struct {
		n, parts int
		want     []pixelRange
	}{
		"even":          {8, 2, []pixelRange{{0, 4}, {4, 8}}},
		"remainder":     {10, 3, []pixelRange{{0, 4}, {4, 7}, {7, 10}}},
		"more parts":    {2, 4, []pixelRange{{0, 1}, {1, 2}, {2, 2}, {2, 2}}},
		"single part":   {5, 1, []pixelRange{{0, 5}}},
		"nothing to do": {0, 2, []pixelRange{{0, 0}, {0, 0}}},
	} {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.want, splitRange(test.n, test.parts))
		})
	}
}

func TestParallelNeedsTwoThreads(t *testing.T) {
	s := newTestState(t, twoTones(), 4, 4, 3, 2)
	_, err := Parallel{Threads: 1}.Start(s, Config{}.logger())
	assert.ErrorIs(t, err, ErrInvalidThreads)
}
