package domain

import (
	"fmt"
	"math"
	"sort"
	"time"
)

const DefaultSuccessFactor = 1.0

// Stage is a batch of commands that may run concurrently. Its status is always
// derived from its commands and never stored.
type Stage struct {
	RequestID int64     `gorm:"primaryKey;autoIncrement:false" json:"request_id"`
	StageID   int64     `gorm:"primaryKey;autoIncrement:false" json:"stage_id"`
	CreatedAt time.Time `json:"created_at"`

	ClusterName    string `gorm:"size:100" json:"cluster_name"`
	RequestContext string `gorm:"size:255" json:"request_context"`
	Skippable      bool   `gorm:"not null;default:false" json:"skippable"`
	HoldOnFailure  bool   `gorm:"not null;default:false" json:"hold_on_failure"`

	Commands        []*HostRoleCommand    `gorm:"-" json:"commands,omitempty"`
	SuccessCriteria []RoleSuccessCriteria `gorm:"-" json:"success_criteria,omitempty"`
}

// RoleSuccessCriteria is the fraction of a role's commands in a stage that
// must complete for the stage to succeed.
type RoleSuccessCriteria struct {
	RequestID     int64   `gorm:"primaryKey;autoIncrement:false" json:"request_id"`
	StageID       int64   `gorm:"primaryKey;autoIncrement:false" json:"stage_id"`
	Role          Role    `gorm:"primaryKey;size:100" json:"role"`
	SuccessFactor float64 `gorm:"not null;default:1" json:"success_factor"`
}

func (RoleSuccessCriteria) TableName() string {
	return "role_success_criteria"
}

func NewStage(requestID, stageID int64, cluster, requestContext string) *Stage {
	return &Stage{
		RequestID:      requestID,
		StageID:        stageID,
		ClusterName:    cluster,
		RequestContext: requestContext,
	}
}

// AddCommand adds a PENDING command; a second command for the same host and
// role is rejected.
func (s *Stage) AddCommand(cmd *HostRoleCommand) error {
	for _, existing := range s.Commands {
		if existing.HostName == cmd.HostName && existing.Role == cmd.Role {
			return fmt.Errorf("stage %d: duplicate command for host %s role %s", s.StageID, cmd.HostName, cmd.Role)
		}
	}
	cmd.RequestID = s.RequestID
	cmd.StageID = s.StageID
	if cmd.Status == "" {
		cmd.Status = StatusPending
	}
	s.Commands = append(s.Commands, cmd)
	return nil
}

// SetSuccessFactor overrides the default factor of 1.0 for a role.
func (s *Stage) SetSuccessFactor(role Role, factor float64) {
	for i := range s.SuccessCriteria {
		if s.SuccessCriteria[i].Role == role {
			s.SuccessCriteria[i].SuccessFactor = factor
			return
		}
	}
	s.SuccessCriteria = append(s.SuccessCriteria, RoleSuccessCriteria{
		RequestID:     s.RequestID,
		StageID:       s.StageID,
		Role:          role,
		SuccessFactor: factor,
	})
}

func (s *Stage) SuccessFactor(role Role) float64 {
	for _, c := range s.SuccessCriteria {
		if c.Role == role {
			return c.SuccessFactor
		}
	}
	return DefaultSuccessFactor
}

// Renumber moves the stage, its commands and its criteria to new ids.
func (s *Stage) Renumber(requestID, stageID int64) {
	s.RequestID = requestID
	s.StageID = stageID
	for _, c := range s.Commands {
		c.RequestID = requestID
		c.StageID = stageID
	}
	for i := range s.SuccessCriteria {
		s.SuccessCriteria[i].RequestID = requestID
		s.SuccessCriteria[i].StageID = stageID
	}
}

func (s *Stage) Command(host string, role Role) *HostRoleCommand {
	for _, c := range s.Commands {
		if c.HostName == host && c.Role == role {
			return c
		}
	}
	return nil
}

// Hosts returns the distinct hosts of the stage, sorted.
func (s *Stage) Hosts() []string {
	seen := map[string]bool{}
	var hosts []string
	for _, c := range s.Commands {
		if !seen[c.HostName] {
			seen[c.HostName] = true
			hosts = append(hosts, c.HostName)
		}
	}
	sort.Strings(hosts)
	return hosts
}

// StatusCounts tallies the commands of the stage by status.
func (s *Stage) StatusCounts() map[HostRoleStatus]int {
	counts := make(map[HostRoleStatus]int)
	for _, c := range s.Commands {
		counts[c.Status]++
	}
	return counts
}

func (s *Stage) AllTerminal() bool {
	for _, c := range s.Commands {
		if !c.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// Status derives the aggregate of the stage:
//   - ABORTED if any command is aborted and the stage is not skippable
//   - HOLDING* while an operator decision is pending
//   - PENDING / IN_PROGRESS until every command is terminal
//   - FAILED if a role misses its success factor, COMPLETED otherwise
func (s *Stage) Status() HostRoleStatus {
	if len(s.Commands) == 0 {
		return StatusCompleted
	}
	counts := s.StatusCounts()
	if counts[StatusAborted] > 0 && !s.Skippable {
		return StatusAborted
	}
	switch {
	case counts[StatusHoldingFailed] > 0:
		return StatusHoldingFailed
	case counts[StatusHoldingTimedOut] > 0:
		return StatusHoldingTimedOut
	case counts[StatusHolding] > 0:
		return StatusHolding
	}
	if !s.AllTerminal() {
		if counts[StatusPending] == len(s.Commands) {
			return StatusPending
		}
		return StatusInProgress
	}
	if s.Skippable {
		return StatusCompleted
	}
	for role, tally := range s.roleTallies() {
		if tally.succeeded < RequiredSuccesses(s.SuccessFactor(role), tally.total) {
			return StatusFailed
		}
	}
	return StatusCompleted
}

type roleTally struct {
	total     int
	succeeded int
}

func (s *Stage) roleTallies() map[Role]*roleTally {
	tallies := make(map[Role]*roleTally)
	for _, c := range s.Commands {
		t := tallies[c.Role]
		if t == nil {
			t = &roleTally{}
			tallies[c.Role] = t
		}
		t.total++
		if c.Status == StatusCompleted || c.Status == StatusSkippedFailed {
			t.succeeded++
		}
	}
	return tallies
}

// RequiredSuccesses is ceil(factor * n), clamped to [0, n]. The epsilon keeps
// products like 0.07 * 100 (7.000000000000001) from rounding up to 8.
func RequiredSuccesses(factor float64, n int) int {
	if factor <= 0 || n == 0 {
		return 0
	}
	required := int(math.Ceil(factor*float64(n) - 1e-9))
	if required > n {
		return n
	}
	return required
}
