package db

import (
	"github.com/clusterd/backend/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func RunMigrations(db *gorm.DB) error {
	err := db.AutoMigrate(
		&domain.Host{},
		&domain.HostComponent{},
		&domain.TimelineEvent{},
		&domain.SystemSetting{},
		&domain.Sequence{},
		&domain.Request{},
		&domain.Stage{},
		&domain.RoleSuccessCriteria{},
		&domain.HostRoleCommand{},
	)
	if err != nil {
		return err
	}

	if err := createCustomIndexes(db); err != nil {
		return err
	}

	return db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&domain.Sequence{Name: domain.SequenceRequestID, Value: 0}).Error
}

func createCustomIndexes(db *gorm.DB) error {
	// Timeline events are queried by resource
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_timeline_events_resource
		ON timeline_events (resource_type, resource_id)
	`).Error; err != nil {
		return err
	}

	// The scheduler scans commands of a stage by status on every tick
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_hrc_stage_status
		ON host_role_commands (request_id, stage_id, status)
	`).Error; err != nil {
		return err
	}

	return nil
}
