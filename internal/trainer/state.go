package trainer

import (
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

// State of the training loop.
type State int

const (
	StateIdle State = iota
	StateEpoch
	StateEvaluating
	StateCheckpointing
	StateFinalizing
	StateDone
)

var stateNames = []string{"idle", "epoch", "evaluating", "checkpointing", "finalizing", "done"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "invalid"
	}
	return stateNames[s]
}

// transition moves the loop to the next state. The loop is strictly sequential:
//
//	idle -> epoch(1) -> evaluating(1) -> checkpointing(1) -> epoch(2) -> ... -> checkpointing(N)
//	  -> finalizing -> done
//
// Any other transition panics.
func (t *Trainer) transition(next State) {
	legal := false
	switch t.state {
	case StateIdle:
		legal = next == StateEpoch
	case StateEpoch:
		legal = next == StateEvaluating
	case StateEvaluating:
		legal = next == StateCheckpointing
	case StateCheckpointing:
		if t.epoch < t.config.NumEpoch {
			legal = next == StateEpoch
		} else {
			legal = next == StateFinalizing
		}
	case StateFinalizing:
		legal = next == StateDone
	}
	if !legal {
		exceptions.Panicf("trainer: illegal transition from %s to %s (epoch %d of %d)",
			t.state, next, t.epoch, t.config.NumEpoch)
	}
	if next == StateEpoch {
		t.epoch++
	}
	klog.V(1).Infof("Trainer: %s -> %s (epoch %d)", t.state, next, t.epoch)
	t.state = next
}

// State returns the current state of the loop and the current epoch (starting at 1, or 0 if not started).
func (t *Trainer) State() (State, int) {
	return t.state, t.epoch
}
