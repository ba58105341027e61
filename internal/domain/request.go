package domain

import "time"

// Request is one logical cluster operation made of ordered stages. Only the
// status roll-up changes after creation.
type Request struct {
	ID        int64     `gorm:"primaryKey;autoIncrement:false" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ClusterName    string         `gorm:"size:100;index" json:"cluster_name"`
	RequestContext string         `gorm:"size:255" json:"request_context"`
	Status         HostRoleStatus `gorm:"size:30;not null;default:'PENDING';index" json:"status"`
	StageCount     int            `gorm:"not null" json:"stage_count"`
	AbortReason    string         `gorm:"type:text" json:"abort_reason,omitempty"`
	StartTime      *time.Time     `json:"start_time,omitempty"`
	EndTime        *time.Time     `json:"end_time,omitempty"`
}

// CalculateRequestStatus derives a request status from its stages in stage
// order: the first stage that is not COMPLETED decides.
func CalculateRequestStatus(stages []*Stage) HostRoleStatus {
	started := false
	for _, stage := range stages {
		status := stage.Status()
		switch {
		case status == StatusCompleted:
			started = true
		case status == StatusPending:
			if started {
				return StatusInProgress
			}
			return StatusPending
		default:
			return status
		}
	}
	return StatusCompleted
}

// Progress returns the percentage of terminal commands across stages.
func Progress(stages []*Stage) float64 {
	var total, done int
	for _, stage := range stages {
		for _, c := range stage.Commands {
			total++
			if c.Status.IsTerminal() {
				done++
			}
		}
	}
	if total == 0 {
		return 100
	}
	return float64(done) * 100 / float64(total)
}
