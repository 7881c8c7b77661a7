package eventbus

import "time"

// State is the activity level of a replicator.
type State string

const (
	StateStopped    State = "stopped"
	StateConnecting State = "connecting"
	StateCatchingUp State = "catching_up"
	StateIdle       State = "idle"
	StateActive     State = "active"
	StateStopping   State = "stopping"
	StateOffline    State = "offline"
)

// Progress counts documents handled in the current run.
type Progress struct {
	Completed int64 `json:"completed"`
	Total     int64 `json:"total"`
}

// StatusEvent reports a state change or progress update. Err is set when the
// replicator hit an error; a terminal error is reported before the final
// stopped event.
type StatusEvent struct {
	State    State
	Progress Progress
	Err      error
	Time     time.Time
}

// Direction of a replicated document.
type Direction string

const (
	DirectionPush Direction = "push"
	DirectionPull Direction = "pull"
)

// DocumentOutcome is the result for one document in a batch.
type DocumentOutcome struct {
	Collection string
	DocID      string
	RevID      string
	Deleted    bool
	Err        error
}

// DocumentEvent carries the outcomes of one batch in one direction.
type DocumentEvent struct {
	Direction Direction
	Documents []DocumentOutcome
}
