package generation

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusLocked     Status = "processing_locked"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// transitions lists every legal edge. processing -> queued/failed exist for
// the stuck-job sweep, which may find a job that died before taking the lock.
var transitions = map[Status][]Status{
	StatusQueued:     {StatusProcessing},
	StatusProcessing: {StatusLocked, StatusQueued, StatusFailed},
	StatusLocked:     {StatusCompleted, StatusFailed, StatusQueued},
	StatusFailed:     {StatusQueued},
	StatusCompleted:  {},
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) InProgress() bool {
	return s == StatusProcessing || s == StatusLocked
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
