package syncer

// State is a node in the Sync Engine's state machine (spec §4.7.1).
type State int

const (
	Idle State = iota
	AcquireLock
	Catchup
	Tail
	Shutdown
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AcquireLock:
		return "acquire_lock"
	case Catchup:
		return "catchup"
	case Tail:
		return "tail"
	default:
		return "shutdown"
	}
}
