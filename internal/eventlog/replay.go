package eventlog

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
)

// ErrSequenceGap means the log's event_seq values are not contiguous.
// A gap implies a lost record and the log cannot be trusted for resume.
var ErrSequenceGap = errors.New("event log sequence gap")

// PendingAction is an action that was proposed but never reached a
// terminal event. Resume must re-evaluate it, never blindly re-run it.
type PendingAction struct {
	ActionID string
	Kind     string
	Summary  string
	Seq      uint64
}

// RunState is the result of folding a run's log.
type RunState struct {
	RunID     string
	LastSeq   uint64
	Completed bool
	Pending   []PendingAction
}

// VerifySequence checks that event_seq values are strictly increasing
// with no gaps, starting at 1.
func VerifySequence(events []RunEvent) error {
	var prev uint64
	for _, e := range events {
		if e.EventSeq != prev+1 {
			return fmt.Errorf("%w: expected %d, found %d", ErrSequenceGap, prev+1, e.EventSeq)
		}
		prev = e.EventSeq
	}
	return nil
}

// Replay folds a run's events into its current state. Replaying the
// same log always yields the same state; folding has no side effects.
func Replay(runID string, events []RunEvent) (RunState, error) {
	if err := VerifySequence(events); err != nil {
		return RunState{}, err
	}

	state := RunState{RunID: runID}
	pending := make(map[string]PendingAction)
	for _, e := range events {
		state.LastSeq = e.EventSeq
		switch e.Type {
		case TypeActionProposed:
			id := payloadString(e.Payload, "action_id")
			if id == "" {
				slog.Warn("action.proposed without action_id", "run_id", runID, "seq", e.EventSeq)
				continue
			}
			pending[id] = PendingAction{
				ActionID: id,
				Kind:     payloadString(e.Payload, "kind"),
				Summary:  payloadString(e.Payload, "summary"),
				Seq:      e.EventSeq,
			}
		case TypeRunCompleted:
			state.Completed = true
		default:
			if TerminalTypes[e.Type] {
				delete(pending, payloadString(e.Payload, "action_id"))
			}
		}
	}

	for _, p := range pending {
		state.Pending = append(state.Pending, p)
	}
	sort.Slice(state.Pending, func(i, j int) bool {
		return state.Pending[i].Seq < state.Pending[j].Seq
	})
	return state, nil
}

// Load reads and folds a run's full log in one call. Malformed lines
// are skipped the same way LoadAll skips them.
func Load(dir Dir, runID string) (RunState, error) {
	reader, err := OpenReader(dir, runID)
	if err != nil {
		return RunState{}, err
	}
	defer reader.Close()

	events, err := reader.LoadAll()
	if err != nil {
		return RunState{}, err
	}
	return Replay(runID, events)
}

func payloadString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	s, _ := payload[key].(string)
	return s
}
