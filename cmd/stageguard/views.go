package main

import (
	"time"

	"stageguard/internal/breaker"
	"stageguard/internal/progress"
	"stageguard/internal/status"
)

type recordView struct {
	ItemID           string         `json:"item_id"`
	Stage            string         `json:"stage"`
	Priority         int            `json:"priority"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	ProcessingTime   float64        `json:"processing_time_seconds"`
	RetryCount       int            `json:"retry_count"`
	MaxRetries       int            `json:"max_retries"`
	ResumeStage      string         `json:"resume_stage,omitempty"`
	NextAttemptAt    *time.Time     `json:"next_attempt_at,omitempty"`
	LastErrorType    string         `json:"last_error_type,omitempty"`
	LastErrorMessage string         `json:"last_error_message,omitempty"`
	LastErrorAt      *time.Time     `json:"last_error_at,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

func newRecordView(rec *status.Record) recordView {
	return recordView{
		ItemID:           rec.ItemID,
		Stage:            string(rec.Stage),
		Priority:         rec.Priority,
		CreatedAt:        rec.CreatedAt,
		UpdatedAt:        rec.UpdatedAt,
		StartedAt:        rec.StartedAt,
		CompletedAt:      rec.CompletedAt,
		ProcessingTime:   rec.ProcessingTime.Seconds(),
		RetryCount:       rec.RetryCount,
		MaxRetries:       rec.MaxRetries,
		ResumeStage:      string(rec.ResumeStage),
		NextAttemptAt:    rec.NextAttemptAt,
		LastErrorType:    rec.LastErrorType,
		LastErrorMessage: rec.LastErrorMessage,
		LastErrorAt:      rec.LastErrorAt,
		Metadata:         rec.Metadata,
	}
}

func newRecordViews(recs []*status.Record) []recordView {
	out := make([]recordView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, newRecordView(rec))
	}
	return out
}

type historyView struct {
	OldStage  string    `json:"old_stage"`
	NewStage  string    `json:"new_stage"`
	ChangedAt time.Time `json:"changed_at"`
	Reason    string    `json:"reason,omitempty"`
}

type errorView struct {
	Timestamp time.Time         `json:"timestamp"`
	Stage     string            `json:"stage"`
	ErrorType string            `json:"error_type"`
	Severity  string            `json:"severity"`
	Message   string            `json:"message"`
	Context   map[string]string `json:"context,omitempty"`
}

type breakerView struct {
	Name           string     `json:"name"`
	State          string     `json:"state"`
	FailureCount   int        `json:"failure_count"`
	LastFailureAt  *time.Time `json:"last_failure_at,omitempty"`
	HalfOpenTrials int        `json:"half_open_trials"`
}

func newBreakerView(snap breaker.Snapshot) breakerView {
	v := breakerView{
		Name:           snap.Name,
		State:          string(snap.State),
		FailureCount:   snap.FailureCount,
		HalfOpenTrials: snap.HalfOpenTrials,
	}
	if !snap.LastFailureAt.IsZero() {
		at := snap.LastFailureAt
		v.LastFailureAt = &at
	}
	return v
}

type progressView struct {
	GeneratedAt       time.Time          `json:"generated_at"`
	Total             int                `json:"total"`
	Distribution      []stageCountView   `json:"distribution"`
	Completed         int                `json:"completed"`
	Failed            int                `json:"failed"`
	Remaining         int                `json:"remaining"`
	CompletionRate    float64            `json:"completion_rate"`
	FailureRate       float64            `json:"failure_rate"`
	WindowSeconds     float64            `json:"window_seconds"`
	ThroughputPerHour float64            `json:"throughput_per_hour"`
	ETASeconds        *float64           `json:"eta_seconds"`
	DwellSeconds      map[string]float64 `json:"dwell_seconds,omitempty"`
}

type stageCountView struct {
	Stage string  `json:"stage"`
	Count int     `json:"count"`
	Share float64 `json:"share"`
}

func newProgressView(r progress.Report) progressView {
	v := progressView{
		GeneratedAt:       r.GeneratedAt,
		Total:             r.Total,
		Completed:         r.Completed,
		Failed:            r.Failed,
		Remaining:         r.Remaining,
		CompletionRate:    r.CompletionRate,
		FailureRate:       r.FailureRate,
		WindowSeconds:     r.Window.Seconds(),
		ThroughputPerHour: r.Throughput,
	}
	for _, sc := range r.Distribution {
		v.Distribution = append(v.Distribution, stageCountView{Stage: string(sc.Stage), Count: sc.Count, Share: sc.Share})
	}
	if r.HasETA {
		eta := r.ETA.Seconds()
		v.ETASeconds = &eta
	}
	if len(r.Dwell) > 0 {
		v.DwellSeconds = make(map[string]float64, len(r.Dwell))
		for stage, d := range r.Dwell {
			v.DwellSeconds[string(stage)] = d.Seconds()
		}
	}
	return v
}
