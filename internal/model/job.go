package model

import "time"

// DocumentRef points at the submitted source document.
type DocumentRef struct {
	URI       string `json:"uri"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"sizeBytes"`
	SHA256    string `json:"sha256"`
}

// SubmitMetadata is caller-supplied context for a document.
type SubmitMetadata struct {
	Year         int    `json:"year,omitempty" validate:"omitempty,min=2000,max=2100"`
	UASG         string `json:"uasg,omitempty" validate:"omitempty,max=20"`
	PregaoNumber string `json:"pregaoNumber,omitempty" validate:"omitempty,max=100"`
	CallbackURL  string `json:"callbackUrl,omitempty" validate:"omitempty,url"`
	Priority     bool   `json:"priority,omitempty"`
}

// JobError is the stage-attributed description of the last failure.
type JobError struct {
	Stage    StageName `json:"stage"`
	Kind     ErrorKind `json:"kind"`
	Message  string    `json:"message"`
	Attempts int       `json:"attempts"`
}

// Lease marks which worker currently owns a running job.
type Lease struct {
	WorkerID    string    `json:"workerId"`
	ExpiresAt   time.Time `json:"expiresAt"`
	HeartbeatAt time.Time `json:"heartbeatAt"`
}

// Job is the durable record of one document's processing lifecycle.
type Job struct {
	ID              string             `json:"id"`
	Owner           string             `json:"owner"`
	Document        DocumentRef        `json:"document"`
	Metadata        SubmitMetadata     `json:"metadata"`
	DedupeKey       string             `json:"dedupeKey,omitempty"`
	Status          JobStatus          `json:"status"`
	Stage           StageName          `json:"stage,omitempty"`
	StageIndex      int                `json:"stageIndex"`
	Progress        float64            `json:"progress"`
	CurrentStep     string             `json:"currentStep,omitempty"`
	Attempts        map[StageName]int  `json:"attempts,omitempty"`
	Warnings        []string           `json:"warnings,omitempty"`
	Error           *JobError          `json:"error,omitempty"`
	ResultRef       string             `json:"resultRef,omitempty"`
	QualityScore    float64            `json:"qualityScore,omitempty"`
	CancelRequested bool               `json:"cancelRequested,omitempty"`
	Lease           *Lease             `json:"lease,omitempty"`
	Reclaims        int                `json:"reclaims,omitempty"`
	Notification    NotificationStatus `json:"notification"`
	ReprocessOf     string             `json:"reprocessOf,omitempty"`
	CreatedAt       time.Time          `json:"createdAt"`
	StartedAt       *time.Time         `json:"startedAt,omitempty"`
	FinishedAt      *time.Time         `json:"finishedAt,omitempty"`
	UpdatedAt       time.Time          `json:"updatedAt"`
}

// Clone returns a deep copy safe to hand across goroutines.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Attempts != nil {
		c.Attempts = make(map[StageName]int, len(j.Attempts))
		for k, v := range j.Attempts {
			c.Attempts[k] = v
		}
	}
	if j.Warnings != nil {
		c.Warnings = append([]string(nil), j.Warnings...)
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	if j.Lease != nil {
		l := *j.Lease
		c.Lease = &l
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// JobStatusView is what status queries return.
type JobStatusView struct {
	JobID        string             `json:"jobId"`
	Status       JobStatus          `json:"status"`
	Stage        StageName          `json:"stage,omitempty"`
	StageIndex   int                `json:"stageIndex"`
	Progress     float64            `json:"progress"`
	CurrentStep  string             `json:"currentStep,omitempty"`
	Error        *JobError          `json:"error,omitempty"`
	Warnings     []string           `json:"warnings,omitempty"`
	Notification NotificationStatus `json:"notification"`
	ReprocessOf  string             `json:"reprocessOf,omitempty"`
	CreatedAt    time.Time          `json:"createdAt"`
	StartedAt    *time.Time         `json:"startedAt,omitempty"`
	FinishedAt   *time.Time         `json:"finishedAt,omitempty"`
}

// View projects the job onto the status query shape.
func (j *Job) View() *JobStatusView {
	return &JobStatusView{
		JobID:        j.ID,
		Status:       j.Status,
		Stage:        j.Stage,
		StageIndex:   j.StageIndex,
		Progress:     j.Progress,
		CurrentStep:  j.CurrentStep,
		Error:        j.Error,
		Warnings:     j.Warnings,
		Notification: j.Notification,
		ReprocessOf:  j.ReprocessOf,
		CreatedAt:    j.CreatedAt,
		StartedAt:    j.StartedAt,
		FinishedAt:   j.FinishedAt,
	}
}
