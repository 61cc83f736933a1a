package engine

import (
	"errors"
	"math"
	"strings"

	"github.com/roach88/signalflow/internal/model"
)

// wavePlanPrefix marks plans that belong to a green wave. The wave id
// follows the prefix, so Restore can recover the wave start time.
const wavePlanPrefix = "wave/"

// MinWaveMembers is the smallest corridor that can be coordinated.
const MinWaveMembers = 2

// Sentinel errors returned by WaveOffsets.
var (
	ErrWaveSpeed = errors.New("green wave speed must be positive")
	ErrWaveCycle = errors.New("green wave cycle must be positive")
)

// WaveOffsets returns the phase 0 offset of each corridor member in
// seconds. The offset of member i is the distance travelled along the
// corridor from member 0 at speedKPH, modulo the common cycle.
func WaveOffsets(locations []model.Location, speedKPH, cycle float64) ([]float64, error) {
	if speedKPH <= 0 {
		return nil, ErrWaveSpeed
	}
	if cycle <= 0 {
		return nil, ErrWaveCycle
	}
	mps := speedKPH / 3.6
	offsets := make([]float64, len(locations))
	var distance float64
	for i := 1; i < len(locations); i++ {
		distance += model.DistanceMeters(locations[i-1], locations[i])
		offsets[i] = roundMillis(math.Mod(distance/mps, cycle))
	}
	return offsets, nil
}

// CommonCycle is the longest natural cycle among the member plans.
func CommonCycle(cycles []float64) float64 {
	var longest float64
	for _, c := range cycles {
		longest = math.Max(longest, c)
	}
	return longest
}

func wavePlanName(waveID string) string {
	return wavePlanPrefix + waveID
}

func waveIDFromPlan(p model.TimingPlan) (string, bool) {
	return strings.CutPrefix(p.Name, wavePlanPrefix)
}

func roundMillis(s float64) float64 {
	return math.Round(s*1000) / 1000
}

// floorMillis truncates to whole milliseconds so a split never grows past
// its limit. The nudge absorbs float error in values already on the grid.
func floorMillis(s float64) float64 {
	return math.Floor(s*1000+1e-6) / 1000
}
