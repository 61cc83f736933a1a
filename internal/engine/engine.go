package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/signalflow/internal/bus"
	"github.com/roach88/signalflow/internal/metrics"
	"github.com/roach88/signalflow/internal/model"
	"github.com/roach88/signalflow/internal/optimize"
	"github.com/roach88/signalflow/internal/store"
)

// Publisher fans engine notifications out to subscribers.
// Implemented by *bus.Bus.
type Publisher interface {
	Publish(topic string, payload any) int
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, any) int { return 0 }

// Engine defaults.
const (
	DefaultTickInterval     = time.Second
	DefaultAdaptEveryCycles = 4
)

// Engine is the single-writer signal coordinator.
//
// Every mutation of controller state, and every signal event written to the
// store, happens on the goroutine that runs Run (or, when Run is not
// running, the goroutine calling Process/Step). External callers use Submit,
// which enqueues an event and waits for its reply.
//
// Thread-safety model:
//   - Submit(), Enqueue(), Status(), Statuses(), Settings(): any goroutine
//   - Run(): exactly one goroutine
//   - Restore(), Process(), Step(): only while Run is not running
//
// INVARIANTS:
//   - Controllers are visited in intersection id order
//   - Signal event seq numbers come only from seq.next()
//   - Engine time only moves forward, by tick DT
type Engine struct {
	store  *store.Store
	bus    Publisher
	seq    sequence
	queue  *eventQueue
	ids    IDGenerator
	budget *PreemptionBudget
	log    *slog.Logger

	settings    model.Settings
	controllers map[string]*controller
	order       []string
	now         time.Time

	tickInterval time.Duration
	adaptEvery   int
	optOpts      []optimize.Option

	mu        sync.RWMutex
	snapshots map[string]IntersectionStatus
	published model.Settings
}

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithStart sets the engine time at construction. Defaults to time.Now().
func WithStart(t time.Time) EngineOption {
	return func(e *Engine) {
		e.now = t.UTC()
	}
}

// WithTickInterval sets how often Run advances the controllers.
func WithTickInterval(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.tickInterval = d
		}
	}
}

// WithAdaptEvery sets how many completed cycles pass between adaptive
// re-optimizations. Zero disables adaptation.
func WithAdaptEvery(cycles int) EngineOption {
	return func(e *Engine) {
		e.adaptEvery = cycles
	}
}

// WithBudget sets the preemption budget per intersection.
func WithBudget(max int, window time.Duration) EngineOption {
	return func(e *Engine) {
		e.budget = NewPreemptionBudget(max, window)
	}
}

// WithIDGenerator sets the generator for emergency, wave, and run ids.
func WithIDGenerator(g IDGenerator) EngineOption {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithPublisher sets where signal changes and notices are published.
func WithPublisher(p Publisher) EngineOption {
	return func(e *Engine) {
		if p != nil {
			e.bus = p
		}
	}
}

// WithOptimizerOptions passes swarm options (e.g. a fixed seed) to every
// optimization the engine runs.
func WithOptimizerOptions(opts ...optimize.Option) EngineOption {
	return func(e *Engine) {
		e.optOpts = append(e.optOpts, opts...)
	}
}

// New creates an Engine backed by s. Call Restore before Run to load the
// controlled intersections.
func New(s *store.Store, opts ...EngineOption) *Engine {
	e := &Engine{
		store:        s,
		bus:          nopPublisher{},
		queue:        newEventQueue(),
		ids:          UUIDv7Generator{},
		budget:       NewPreemptionBudget(DefaultMaxPreemptions, DefaultBudgetWindow),
		log:          slog.With("component", "engine"),
		settings:     model.DefaultSettings(),
		controllers:  make(map[string]*controller),
		now:          time.Now().UTC(),
		tickInterval: DefaultTickInterval,
		adaptEvery:   DefaultAdaptEveryCycles,
		snapshots:    make(map[string]IntersectionStatus),
	}

	for _, opt := range opts {
		opt(e)
	}
	e.published = e.settings

	return e
}

// Enqueue submits an event without waiting for the result.
// Thread-safe: may be called from any goroutine.
//
// Returns false if the engine has been stopped.
func (e *Engine) Enqueue(ev Event) bool {
	ok := e.queue.Enqueue(ev)
	metrics.SetQueueDepth(e.queue.Len())
	return ok
}

// Submit enqueues ev and waits for the Run loop to process it.
// Thread-safe: may be called from any goroutine.
func (e *Engine) Submit(ctx context.Context, ev Event) (any, error) {
	ev.reply = make(chan Reply, 1)
	if !e.Enqueue(ev) {
		return nil, ErrStopped
	}
	select {
	case r := <-ev.reply:
		return r.Value, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run starts the single-writer event loop.
// Blocks until ctx is cancelled or Stop() is called.
//
// Controllers advance on a wall-clock ticker by the real time elapsed
// between ticks. Queued events are processed between ticks in FIFO order.
//
// ERROR HANDLING: a failed event is logged with its context, the error is
// returned to its submitter, and processing continues.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("engine starting", "intersections", len(e.order), "tick", e.tickInterval)

	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()
	last := time.Now()

	for {
		if ev, ok := e.queue.TryDequeue(); ok {
			e.dispatch(ctx, ev)
			continue
		}

		select {
		case <-ctx.Done():
			e.log.Info("engine stopping: context cancelled")
			e.shutdown()
			return ctx.Err()

		case <-e.queue.Wait():
			// The signal channel closes with the queue
			if e.queue.Closed() && e.queue.Len() == 0 {
				e.log.Info("engine stopping: queue closed")
				return nil
			}

		case now := <-ticker.C:
			dt := now.Sub(last).Seconds()
			last = now
			if _, err := e.Process(ctx, Event{Type: EventTick, DT: dt}); err != nil {
				e.log.Error("tick failed", "dt", dt, "error", err)
			}
		}
	}
}

// Stop gracefully shuts down the engine.
// Queued events are still processed before Run returns.
func (e *Engine) Stop() {
	e.queue.Close()
}

// Process handles one event synchronously on the calling goroutine.
// Must not be called while Run is running.
func (e *Engine) Process(ctx context.Context, ev Event) (any, error) {
	v, err := e.handle(ctx, ev)
	e.refresh()
	return v, err
}

// Step processes every queued event, then advances all controllers by dt
// seconds. Used by tests and the scenario harness instead of Run.
func (e *Engine) Step(ctx context.Context, dt float64) error {
	for {
		ev, ok := e.queue.TryDequeue()
		if !ok {
			break
		}
		e.dispatch(ctx, ev)
	}
	_, err := e.Process(ctx, Event{Type: EventTick, DT: dt})
	return err
}

func (e *Engine) dispatch(ctx context.Context, ev Event) {
	v, err := e.Process(ctx, ev)
	if err != nil {
		logEventError(e.log, ev, err)
	}
	if ev.reply != nil {
		ev.reply <- Reply{Value: v, Err: err}
	}
	metrics.SetQueueDepth(e.queue.Len())
}

func (e *Engine) shutdown() {
	e.queue.Close()
	for _, ev := range e.queue.Drain() {
		if ev.reply != nil {
			ev.reply <- Reply{Err: ErrStopped}
		}
	}
}

// handle routes an event to its handler.
// CRITICAL: Called only from the single writer.
func (e *Engine) handle(ctx context.Context, ev Event) (any, error) {
	switch ev.Type {
	case EventSample:
		return nil, e.handleSample(ctx, ev.Sample)
	case EventEmergency:
		return e.handleEmergency(ctx, ev.Emergency)
	case EventEmergencyClear:
		return nil, e.handleClear(ctx, ev.IntersectionID, ev.EmergencyID)
	case EventPlan:
		return e.handlePlan(ctx, ev.Plan)
	case EventGreenWave:
		return e.handleGreenWave(ctx, ev.Wave)
	case EventOverride:
		return nil, e.handleOverride(ctx, ev.IntersectionID, ev.Mode)
	case EventSettings:
		return e.handleSettings(ctx, ev.Settings)
	case EventReload:
		return e.handleReload(ctx, ev.Topology)
	case EventOptimize:
		return e.handleOptimize(ctx, ev.IntersectionID, ev.Algorithm, ev.Conditions)
	case EventTick:
		return nil, e.handleTick(ctx, ev.DT)
	default:
		return nil, fmt.Errorf("unknown event type: %d", ev.Type)
	}
}

// logEventError logs a failed event with enough context to reproduce it.
func logEventError(log *slog.Logger, ev Event, err error) {
	attrs := []any{"event", ev.Type.String(), "error", err}
	switch {
	case ev.IntersectionID != "":
		attrs = append(attrs, "intersection", ev.IntersectionID)
	case ev.Sample != nil:
		attrs = append(attrs, "intersection", ev.Sample.IntersectionID, "approach", ev.Sample.ApproachID)
	case ev.Emergency != nil:
		attrs = append(attrs, "intersection", ev.Emergency.IntersectionID, "approach", ev.Emergency.Approach)
	case ev.Plan != nil:
		attrs = append(attrs, "intersection", ev.Plan.IntersectionID)
	}
	if IsInvalid(err) || IsNotFound(err) || IsConflict(err) {
		log.Warn("event rejected", attrs...)
		return
	}
	log.Error("event failed", attrs...)
}

// controllerFor returns the controller for id or an UNKNOWN_INTERSECTION error.
func (e *Engine) controllerFor(id string) (*controller, error) {
	c, ok := e.controllers[id]
	if !ok {
		return nil, newError(ErrCodeUnknownIntersection, id, "intersection is not controlled")
	}
	return c, nil
}

func (e *Engine) addController(c *controller) {
	if _, ok := e.controllers[c.in.ID]; !ok {
		e.order = append(e.order, c.in.ID)
		sort.Strings(e.order)
	}
	e.controllers[c.in.ID] = c
}

func (e *Engine) removeController(id string) {
	if _, ok := e.controllers[id]; !ok {
		return
	}
	delete(e.controllers, id)
	for i, o := range e.order {
		if o == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}

// emit persists and publishes transitions of c in order.
func (e *Engine) emit(ctx context.Context, c *controller, trans []transition) error {
	for _, tr := range trans {
		ev := model.SignalEvent{
			Seq:            e.seq.next(),
			IntersectionID: c.in.ID,
			Approach:       tr.Approach,
			Phase:          tr.Phase,
			From:           tr.From,
			To:             tr.To,
			Reason:         tr.Reason,
			At:             tr.At,
		}
		if err := e.store.WriteSignalEvent(ctx, ev); err != nil {
			return fmt.Errorf("emit signal event %d: %w", ev.Seq, err)
		}
		if err := e.store.UpdateSignalStatus(ctx, model.SignalID(c.in.ID, tr.Approach), tr.To, tr.At); err != nil {
			return fmt.Errorf("emit signal event %d: %w", ev.Seq, err)
		}
		metrics.RecordSignalChange(c.in.ID, string(tr.To))
		e.bus.Publish(bus.SignalChangeTopic(c.in.ID), ev)
		e.log.Debug("signal change",
			"seq", ev.Seq,
			"intersection", ev.IntersectionID,
			"approach", ev.Approach,
			"from", ev.From,
			"to", ev.To,
			"reason", ev.Reason,
		)
	}
	return nil
}

// refresh republishes controller snapshots for readers.
func (e *Engine) refresh() {
	snaps := make(map[string]IntersectionStatus, len(e.controllers))
	for id, c := range e.controllers {
		snaps[id] = c.snapshot(e.now)
		metrics.SetControllerMode(id, string(c.mode), Modes)
	}
	e.mu.Lock()
	e.snapshots = snaps
	e.published = e.settings
	e.mu.Unlock()
}

// Status returns the latest snapshot of one intersection.
// Thread-safe.
func (e *Engine) Status(id string) (IntersectionStatus, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.snapshots[id]
	return st, ok
}

// Statuses returns every snapshot, ordered by intersection id.
// Thread-safe.
func (e *Engine) Statuses() []IntersectionStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]IntersectionStatus, 0, len(e.snapshots))
	for _, st := range e.snapshots {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IntersectionID < out[j].IntersectionID })
	return out
}

// Settings returns the settings the engine is running with.
// Thread-safe.
func (e *Engine) Settings() model.Settings {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.published
}

// QueueLen returns the number of events waiting for the loop.
func (e *Engine) QueueLen() int {
	return e.queue.Len()
}

// Seq returns the last signal event seq issued.
func (e *Engine) Seq() int64 {
	return e.seq.current()
}
