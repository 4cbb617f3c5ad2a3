package engine

import (
	"errors"
	"fmt"
)

var (
	ErrNotStarted     = errors.New("engine not started")
	ErrAlreadyStarted = errors.New("engine already started")
	ErrNotHalted      = errors.New("engine is not halted")
)

// ReconcileKind classifies a ReconciliationError.
type ReconcileKind string

const (
	UnknownLevel ReconcileKind = "UNKNOWN_LEVEL"
	Duplicate    ReconcileKind = "DUPLICATE"
	SequenceGap  ReconcileKind = "SEQUENCE_GAP"
	Overfill     ReconcileKind = "OVERFILL"
	Unresolvable ReconcileKind = "UNRESOLVABLE"
)

// ReconciliationError reports an event that does not fit the engine's view of
// a level. The engine stays consistent; the error is informational and may be
// accompanied by a ReconcileRequest command.
type ReconciliationError struct {
	Kind    ReconcileKind
	LevelID int
	Seq     int64
	Detail  string
}

func (e *ReconciliationError) Error() string {
	if e.Seq > 0 {
		return fmt.Sprintf("reconciliation %s on level %d (seq %d): %s", e.Kind, e.LevelID, e.Seq, e.Detail)
	}
	return fmt.Sprintf("reconciliation %s on level %d: %s", e.Kind, e.LevelID, e.Detail)
}

// IsReconciliation reports whether err is a ReconciliationError of the given kind.
func IsReconciliation(err error, kind ReconcileKind) bool {
	var re *ReconciliationError
	return errors.As(err, &re) && re.Kind == kind
}
