package jobs

// Event types published on the bus by the scheduler.
const (
	EventAdded         = "job.added"
	EventStatusChanged = "job.status_changed"
	EventRemoved       = "job.removed"
)

// Event is the bus payload for job lifecycle events.
// Job is a snapshot taken right after the change.
type Event struct {
	Type     string `json:"type"`
	Job      Record `json:"job"`
	Previous Status `json:"previous,omitempty"`
}
