package optimize

import (
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	afsa, err := Lookup(AlgorithmAFSA, WithFish(7))
	require.NoError(t, err)
	assert.Equal(t, AlgorithmAFSA, afsa.Name())
	assert.Equal(t, 7.0, afsa.Parameters()["num_fish"])

	prop, err := Lookup(AlgorithmProportional)
	require.NoError(t, err)
	assert.Equal(t, AlgorithmProportional, prop.Name())

	_, err = Lookup("genetic")
	assert.ErrorIs(t, err, ErrUnknownAlgorithm)
}

func TestCycleLimiter(t *testing.T) {
	cond := Conditions{
		Volumes: []float64{900, 600},
		Queues:  []float64{80, 60},
		Waits:   []float64{1, 1},
	}
	for _, name := range []string{AlgorithmAFSA, AlgorithmProportional} {
		t.Run(name, func(t *testing.T) {
			alg, err := Lookup(name, WithSeed(3), WithFish(10), WithIterations(20))
			require.NoError(t, err)
			l, ok := alg.(CycleLimiter)
			require.True(t, ok)
			l.SetCycleLimit(100)
			assert.Equal(t, 100.0, alg.Parameters()["cycle_time_constraint"])

			res, err := alg.Optimize(t.Context(), cond)
			require.NoError(t, err)
			var total float64
			for _, g := range res.GreenTimes {
				total += g
			}
			assert.LessOrEqual(t, total, 100.0+1e-9)
		})
	}
}

func TestCatalogue_Golden(t *testing.T) {
	data, err := json.MarshalIndent(Catalogue(), "", "  ")
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "catalogue", append(data, '\n'))
}
