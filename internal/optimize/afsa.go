package optimize

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
)

// Default swarm parameters.
const (
	DefaultFish        = 50
	DefaultIterations  = 100
	DefaultVisual      = 5.0
	DefaultCrowdFactor = 0.618
	DefaultStep        = 0.5
	DefaultTries       = 10
)

// FitnessFunc scores a candidate position. Higher is better.
// Infeasible positions return math.Inf(-1).
type FitnessFunc func(x []float64) float64

// Solution is the outcome of a swarm search.
type Solution struct {
	Position []float64
	Fitness  float64

	// History holds the global best fitness after each iteration.
	// It is non-decreasing.
	History []float64
}

// Swarm is an Artificial Fish Swarm optimiser.
//
// A Swarm holds only configuration; every Maximize call builds its own
// population and random source, so a Swarm is safe for concurrent use and a
// seeded Swarm returns the same Solution for the same inputs.
type Swarm struct {
	fish       int
	iterations int
	visual     float64
	crowd      float64
	step       float64
	tries      int
	seed       uint64
	seeded     bool
}

// Option configures a Swarm.
type Option func(*Swarm)

// WithFish sets the population size.
func WithFish(n int) Option {
	return func(s *Swarm) { s.fish = n }
}

// WithIterations sets the number of iterations.
func WithIterations(n int) Option {
	return func(s *Swarm) { s.iterations = n }
}

// WithVisual sets the visual range used for neighbourhoods and prey moves.
func WithVisual(v float64) Option {
	return func(s *Swarm) { s.visual = v }
}

// WithCrowdFactor sets the crowding threshold in (0, 1].
func WithCrowdFactor(c float64) Option {
	return func(s *Swarm) { s.crowd = c }
}

// WithStep sets the step size for swarm and follow moves.
func WithStep(step float64) Option {
	return func(s *Swarm) { s.step = step }
}

// WithTries sets how many random directions prey tries before giving up.
func WithTries(n int) Option {
	return func(s *Swarm) { s.tries = n }
}

// WithSeed makes the search deterministic.
func WithSeed(seed uint64) Option {
	return func(s *Swarm) {
		s.seed = seed
		s.seeded = true
	}
}

// NewSwarm creates a Swarm with default parameters overridden by opts.
func NewSwarm(opts ...Option) *Swarm {
	s := &Swarm{
		fish:       DefaultFish,
		iterations: DefaultIterations,
		visual:     DefaultVisual,
		crowd:      DefaultCrowdFactor,
		step:       DefaultStep,
		tries:      DefaultTries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Parameters returns the effective configuration, keyed the way optimization
// runs record them.
func (s *Swarm) Parameters() map[string]float64 {
	return map[string]float64{
		"num_fish":       float64(s.fish),
		"max_iterations": float64(s.iterations),
		"visual_range":   s.visual,
		"crowd_factor":   s.crowd,
		"step_size":      s.step,
		"try_number":     float64(s.tries),
	}
}

func (s *Swarm) validate(lower, upper []float64) error {
	if s.fish <= 0 || s.iterations < 0 || s.tries <= 0 {
		return fmt.Errorf("afsa: fish and tries must be positive, iterations non-negative")
	}
	if s.visual <= 0 || s.step <= 0 {
		return fmt.Errorf("afsa: visual and step must be positive")
	}
	if s.crowd <= 0 || s.crowd > 1 {
		return fmt.Errorf("afsa: crowd factor must be in (0, 1]")
	}
	if len(lower) == 0 {
		return ErrNoPhases
	}
	if len(lower) != len(upper) {
		return fmt.Errorf("%w: %d lower bounds, %d upper bounds", ErrDimensionMismatch, len(lower), len(upper))
	}
	for i := range lower {
		if lower[i] > upper[i] {
			return fmt.Errorf("%w: dimension %d has lower %g > upper %g", ErrInvalidBounds, i, lower[i], upper[i])
		}
	}
	return nil
}

// Maximize searches [lower, upper] for the position with the highest fitness.
//
// The context is checked between iterations; on cancellation Maximize returns
// ctx.Err() and no solution.
func (s *Swarm) Maximize(ctx context.Context, fitness FitnessFunc, lower, upper []float64) (Solution, error) {
	if err := s.validate(lower, upper); err != nil {
		return Solution{}, err
	}

	seed := s.seed
	if !s.seeded {
		seed = rand.Uint64()
	}
	run := &swarmRun{
		Swarm:   s,
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		fitness: fitness,
		lower:   lower,
		upper:   upper,
	}
	return run.search(ctx)
}

// swarmRun is the mutable state of a single search.
type swarmRun struct {
	*Swarm
	rng     *rand.Rand
	fitness FitnessFunc
	lower   []float64
	upper   []float64
	pop     [][]float64
}

func (r *swarmRun) search(ctx context.Context) (Solution, error) {
	dims := len(r.lower)
	r.pop = make([][]float64, r.fish)
	for i := range r.pop {
		fish := make([]float64, dims)
		for j := range fish {
			fish[j] = r.lower[j] + r.rng.Float64()*(r.upper[j]-r.lower[j])
		}
		r.pop[i] = fish
	}

	best := clone(r.pop[0])
	bestFit := r.fitness(best)
	for _, fish := range r.pop[1:] {
		if f := r.fitness(fish); f > bestFit {
			best, bestFit = clone(fish), f
		}
	}

	history := make([]float64, 0, r.iterations)
	for it := 0; it < r.iterations; it++ {
		if err := ctx.Err(); err != nil {
			return Solution{}, err
		}

		next := make([][]float64, r.fish)
		for i, fish := range r.pop {
			var moved []float64
			switch r.rng.IntN(3) {
			case 0:
				moved = r.prey(fish)
			case 1:
				moved = r.swarm(fish)
			default:
				moved = r.follow(fish)
			}
			next[i] = moved
			if f := r.fitness(moved); f > bestFit {
				best, bestFit = clone(moved), f
			}
		}
		r.pop = next
		history = append(history, bestFit)

		if (it+1)%10 == 0 {
			slog.Debug("afsa progress", "iteration", it+1, "of", r.iterations, "best_fitness", bestFit)
		}
	}

	return Solution{Position: best, Fitness: bestFit, History: history}, nil
}

// prey tries random directions within the visual range and moves on the
// first improvement.
func (r *swarmRun) prey(fish []float64) []float64 {
	current := r.fitness(fish)
	for try := 0; try < r.tries; try++ {
		dir := r.randomUnit(len(fish))
		if dir == nil {
			continue
		}
		candidate := make([]float64, len(fish))
		for j := range fish {
			candidate[j] = fish[j] + r.visual*dir[j]
		}
		r.clamp(candidate)
		if r.fitness(candidate) > current {
			return candidate
		}
	}
	return fish
}

// swarm moves toward the neighbourhood centre when it is better and not crowded.
func (r *swarmRun) swarm(fish []float64) []float64 {
	dims := len(fish)
	center := make([]float64, dims)
	neighbours := 0
	for _, other := range r.pop {
		d := distance(fish, other)
		if d > 0 && d < r.visual {
			for j := range center {
				center[j] += other[j]
			}
			neighbours++
		}
	}
	if neighbours == 0 {
		return fish
	}
	for j := range center {
		center[j] /= float64(neighbours)
	}
	if float64(neighbours)/float64(r.fish) > r.crowd {
		return r.prey(fish)
	}
	if r.fitness(center) > r.fitness(fish) {
		return r.moveToward(fish, center)
	}
	return r.prey(fish)
}

// follow moves toward the best visible neighbour when it beats the current
// fish and its own neighbourhood is not crowded.
func (r *swarmRun) follow(fish []float64) []float64 {
	var bestNeighbour []float64
	bestFit := math.Inf(-1)
	for _, other := range r.pop {
		d := distance(fish, other)
		if d > 0 && d < r.visual {
			if f := r.fitness(other); f > bestFit {
				bestNeighbour, bestFit = other, f
			}
		}
	}
	if bestNeighbour == nil || bestFit <= r.fitness(fish) {
		return r.prey(fish)
	}

	crowd := 0
	for _, other := range r.pop {
		if distance(bestNeighbour, other) < r.visual {
			crowd++
		}
	}
	if float64(crowd)/float64(r.fish) > r.crowd {
		return r.prey(fish)
	}
	return r.moveToward(fish, bestNeighbour)
}

func (r *swarmRun) moveToward(from, to []float64) []float64 {
	d := distance(from, to)
	out := make([]float64, len(from))
	for j := range from {
		dir := to[j] - from[j]
		if d > 0 {
			dir /= d
		}
		out[j] = from[j] + r.step*dir
	}
	r.clamp(out)
	return out
}

// randomUnit returns a uniformly drawn direction of length 1, or nil when the
// draw degenerates to the zero vector.
func (r *swarmRun) randomUnit(dims int) []float64 {
	dir := make([]float64, dims)
	var norm float64
	for j := range dir {
		dir[j] = r.rng.Float64()*2 - 1
		norm += dir[j] * dir[j]
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return nil
	}
	for j := range dir {
		dir[j] /= norm
	}
	return dir
}

func (r *swarmRun) clamp(x []float64) {
	for j := range x {
		x[j] = math.Max(r.lower[j], math.Min(r.upper[j], x[j]))
	}
}

func distance(a, b []float64) float64 {
	var sum float64
	for j := range a {
		d := a[j] - b[j]
		sum += d * d
	}
	return math.Sqrt(sum)
}

func clone(x []float64) []float64 {
	out := make([]float64, len(x))
	copy(out, x)
	return out
}
