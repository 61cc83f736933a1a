package harness

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/signalflow/internal/model"
)

// Safety principles checked over every scenario trace.
const (
	PrincipleConflictingGreens = "conflicting_greens"
	PrincipleGreenWithoutAmber = "green_without_amber"
	PrincipleGreenDuringAmber  = "green_during_amber"
)

// Violation is a breach of a safety principle at one instant.
type Violation struct {
	Principle    string
	Intersection string
	AtMillis     int64
	Detail       string
}

// Error implements the error interface.
func (v Violation) Error() string {
	return fmt.Sprintf("safety violation %s at %s t=%dms: %s", v.Principle, v.Intersection, v.AtMillis, v.Detail)
}

// CheckPrinciples replays the signal events of a trace and reports every
// instant at which the lamps broke a safety principle:
//
//   - every approach showing green is served by one phase
//   - a green lamp is only ever followed by yellow, flashing or off
//   - no approach turns green while another still shows yellow
//
// Events sharing an intersection and timestamp are one batch; the checks
// run on the state after each batch. Lamps start red. Events with reason
// restore only reseed the believed state and are not judged.
func CheckPrinciples(topology []model.Intersection, trace []TraceEvent) []Violation {
	defs := make(map[string]model.Intersection, len(topology))
	lamps := make(map[string]map[string]model.SignalStatus, len(topology))
	for _, in := range topology {
		defs[in.ID] = in
		lamps[in.ID] = make(map[string]model.SignalStatus, len(in.Approaches))
		for _, a := range in.Approaches {
			lamps[in.ID][a] = model.StatusRed
		}
	}

	var out []Violation
	signals := signalEvents(trace)
	for i := 0; i < len(signals); {
		j := i
		for j < len(signals) && signals[j].Intersection == signals[i].Intersection && signals[j].AtMillis == signals[i].AtMillis {
			j++
		}
		batch := signals[i:j]
		i = j

		in, ok := defs[batch[0].Intersection]
		if !ok {
			continue
		}
		state := lamps[in.ID]
		var turnedGreen []string
		for _, ev := range batch {
			if ev.Reason != model.ReasonRestore {
				if ev.From == model.StatusGreen && !afterGreen(ev.To) {
					out = append(out, violation(PrincipleGreenWithoutAmber, batch[0],
						"%s went green -> %s", ev.Approach, ev.To))
				}
				if ev.To == model.StatusGreen {
					turnedGreen = append(turnedGreen, ev.Approach)
				}
			}
			state[ev.Approach] = ev.To
		}

		greens, ambers := lampsShowing(state, model.StatusGreen), lampsShowing(state, model.StatusYellow)
		if len(greens) > 1 && !servedTogether(in, greens) {
			out = append(out, violation(PrincipleConflictingGreens, batch[0],
				"green on %s", strings.Join(greens, ", ")))
		}
		if len(turnedGreen) > 0 && len(ambers) > 0 {
			out = append(out, violation(PrincipleGreenDuringAmber, batch[0],
				"%s turned green while %s yellow", strings.Join(turnedGreen, ", "), strings.Join(ambers, ", ")))
		}
	}
	return out
}

func signalEvents(trace []TraceEvent) []TraceEvent {
	var out []TraceEvent
	for _, ev := range trace {
		if ev.Kind == KindSignal {
			out = append(out, ev)
		}
	}
	return out
}

func afterGreen(s model.SignalStatus) bool {
	switch s {
	case model.StatusYellow, model.StatusFlashing, model.StatusOff:
		return true
	}
	return false
}

func lampsShowing(state map[string]model.SignalStatus, s model.SignalStatus) []string {
	var out []string
	for a, st := range state {
		if st == s {
			out = append(out, a)
		}
	}
	sort.Strings(out)
	return out
}

// servedTogether reports whether one phase serves every approach.
func servedTogether(in model.Intersection, approaches []string) bool {
	for _, ph := range in.Phases {
		all := true
		for _, a := range approaches {
			if !ph.Serves(a) {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

func violation(principle string, at TraceEvent, format string, args ...any) Violation {
	return Violation{
		Principle:    principle,
		Intersection: at.Intersection,
		AtMillis:     at.AtMillis,
		Detail:       fmt.Sprintf(format, args...),
	}
}
