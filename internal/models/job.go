package models

import "time"

// State はジョブのパイプライン状態
type State string

// ジョブステータス
const (
	StateQueued      State = "queued"
	StatePending     State = "pending"
	StateDownloading State = "downloading"
	StateConverting  State = "converting"
	StateDone        State = "done"
	StateError       State = "error"
	StateCanceled    State = "canceled"
)

// IsTerminal reports whether no further stage transitions can happen.
func (s State) IsTerminal() bool {
	switch s {
	case StateDone, StateError, StateCanceled:
		return true
	case StateQueued, StatePending, StateDownloading, StateConverting:
		return false
	default:
		return false
	}
}

// IsRunning reports whether the job occupies a pipeline slot.
func (s State) IsRunning() bool {
	switch s {
	case StateDownloading, StateConverting:
		return true
	case StateQueued, StatePending, StateDone, StateError, StateCanceled:
		return false
	default:
		return false
	}
}

// IsMidFlight reports whether the job was between admission and a terminal
// state. These cannot survive a restart.
func (s State) IsMidFlight() bool {
	switch s {
	case StatePending, StateDownloading, StateConverting:
		return true
	case StateQueued, StateDone, StateError, StateCanceled:
		return false
	default:
		return false
	}
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateQueued, StatePending, StateDownloading, StateConverting,
		StateDone, StateError, StateCanceled:
		return true
	default:
		return false
	}
}

// Metadata は動画のメタ情報 (best-effort)
type Metadata struct {
	Title     string  `json:"title,omitempty"`
	Duration  float64 `json:"duration,omitempty"` // seconds
	Author    string  `json:"author,omitempty"`
	Thumbnail string  `json:"thumbnail,omitempty"`
}

// Merge fills empty fields of m from other.
func (m *Metadata) Merge(other Metadata) {
	if other.Title != "" {
		m.Title = other.Title
	}
	if other.Duration > 0 {
		m.Duration = other.Duration
	}
	if other.Author != "" {
		m.Author = other.Author
	}
	if other.Thumbnail != "" {
		m.Thumbnail = other.Thumbnail
	}
}

// Result は変換成功時の出力
type Result struct {
	FileName string  `json:"fileName"`
	Path     string  `json:"-"`
	Size     int64   `json:"size"`
	Title    string  `json:"title,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

// Job is one URL-to-MP3 conversion tracked through its lifecycle.
type Job struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	State State  `json:"state"`

	Percent         float64 `json:"percent"`
	DownloadPercent float64 `json:"downloadPercent"`
	ConvertPercent  float64 `json:"convertPercent"`
	StagePercent    float64 `json:"stagePercent,omitempty"`
	DownloadETA     *int    `json:"downloadEta,omitempty"` // seconds
	ConvertETA      *int    `json:"convertEta,omitempty"`  // seconds
	Message         string  `json:"message,omitempty"`

	Metadata

	Result *Result `json:"result,omitempty"`
	Error  string  `json:"error,omitempty"`

	// Waiting marks a queued job that asked for admission and is waiting
	// for a free slot.
	Waiting bool `json:"waiting,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	Separation Separation `json:"separation"`
}

// HasFile reports whether the job references an output file.
func (j *Job) HasFile() bool {
	return j.Result != nil && j.Result.Path != ""
}

// Clone returns a deep copy safe to hand to readers.
func (j *Job) Clone() Job {
	c := *j
	if j.DownloadETA != nil {
		v := *j.DownloadETA
		c.DownloadETA = &v
	}
	if j.ConvertETA != nil {
		v := *j.ConvertETA
		c.ConvertETA = &v
	}
	if j.Result != nil {
		r := *j.Result
		c.Result = &r
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	c.Separation.Stems = append([]Stem(nil), j.Separation.Stems...)
	return c
}

// Summary is the list view of a job.
type Summary struct {
	ID              string    `json:"id"`
	State           State     `json:"state"`
	Percent         float64   `json:"percent"`
	DownloadPercent float64   `json:"downloadPercent"`
	ConvertPercent  float64   `json:"convertPercent"`
	Message         string    `json:"message,omitempty"`
	File            string    `json:"file,omitempty"`
	Title           string    `json:"title,omitempty"`
	Duration        float64   `json:"duration,omitempty"`
	Thumbnail       string    `json:"thumbnail,omitempty"`
	Author          string    `json:"author,omitempty"`
	HasFile         bool      `json:"hasFile"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
	DownloadETA     *int      `json:"downloadEta,omitempty"`
	ConvertETA      *int      `json:"convertEta,omitempty"`
}

// Summarize builds the list view.
func (j *Job) Summarize() Summary {
	s := Summary{
		ID:              j.ID,
		State:           j.State,
		Percent:         j.Percent,
		DownloadPercent: j.DownloadPercent,
		ConvertPercent:  j.ConvertPercent,
		Message:         j.Message,
		Title:           j.Title,
		Duration:        j.Duration,
		Thumbnail:       j.Thumbnail,
		Author:          j.Author,
		HasFile:         j.HasFile(),
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
		DownloadETA:     j.DownloadETA,
		ConvertETA:      j.ConvertETA,
	}
	if j.Result != nil {
		s.File = j.Result.FileName
	}
	return s
}

// Detail is the single-job view: the job plus its derived file flag.
type Detail struct {
	Job
	HasFile bool `json:"hasFile"`
}

// Detail builds the single-job view from a deep copy.
func (j *Job) Detail() Detail {
	return Detail{Job: j.Clone(), HasFile: j.HasFile()}
}
