package models

// SeparationState is the sub-state of the optional stem separation stage.
type SeparationState string

const (
	SeparationIdle       SeparationState = "idle"
	SeparationQueued     SeparationState = "queued"
	SeparationProcessing SeparationState = "processing"
	SeparationDone       SeparationState = "done"
	SeparationError      SeparationState = "error"
)

// IsActive reports whether a separation run is pending or in progress.
func (s SeparationState) IsActive() bool {
	switch s {
	case SeparationQueued, SeparationProcessing:
		return true
	case SeparationIdle, SeparationDone, SeparationError:
		return false
	default:
		return false
	}
}

// Stem is one isolated audio component.
type Stem struct {
	Name string `json:"name"`
	File string `json:"file"`
	Path string `json:"-"`
	Size int64  `json:"size"`
}

// Separation holds the stem separation sub-state of a job.
type Separation struct {
	State   SeparationState `json:"state"`
	Percent float64         `json:"percent"`
	Message string          `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
	Stems   []Stem          `json:"stems,omitempty"`
}
