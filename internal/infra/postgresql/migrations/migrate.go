package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"

	"github.com/carewatch/alert-engine/internal/repository"
	"gorm.io/gorm"
)

func Migrate(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "000001_create_alerts",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&repository.AlertModel{}); err != nil {
					return err
				}
				indexes := []string{
					// One live alert per source event: dedup races across
					// processes resolve against this index.
					`CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_active_source_event ON alerts (patient_id, source_event_key) WHERE state IN ('OPEN', 'ACKNOWLEDGED')`,
					`CREATE INDEX IF NOT EXISTS idx_alerts_state_severity_created ON alerts (state, severity, created_at)`,
					`CREATE INDEX IF NOT EXISTS idx_alerts_patient_created ON alerts (patient_id, created_at)`,
					`CREATE INDEX IF NOT EXISTS idx_alerts_escalation_due ON alerts (created_at) WHERE state = 'OPEN' AND escalated_at IS NULL`,
				}
				for _, sql := range indexes {
					if err := tx.Exec(sql).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.AlertModel{})
			},
		},
		{
			ID: "000002_create_delivery_attempts",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&repository.DeliveryAttemptModel{}); err != nil {
					return err
				}
				indexes := []string{
					`CREATE INDEX IF NOT EXISTS idx_attempts_alert_id ON delivery_attempts (alert_id)`,
					// At most one successful delivery per (alert, channel, destination).
					`CREATE UNIQUE INDEX IF NOT EXISTS idx_attempts_sent_once ON delivery_attempts (alert_id, channel, destination) WHERE status = 'SENT'`,
					`CREATE INDEX IF NOT EXISTS idx_attempts_retry ON delivery_attempts (next_retry_at) WHERE status = 'FAILED'`,
				}
				for _, sql := range indexes {
					if err := tx.Exec(sql).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.DeliveryAttemptModel{})
			},
		},
		{
			ID: "000003_create_alert_transitions",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&repository.AlertTransitionModel{}); err != nil {
					return err
				}
				return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_transitions_alert_id ON alert_transitions (alert_id, created_at)`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.AlertTransitionModel{})
			},
		},
		{
			ID: "000004_create_care_recipients",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&repository.CareRecipientModel{}); err != nil {
					return err
				}
				return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_recipients_patient_tier ON care_recipients (patient_id, tier)`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.CareRecipientModel{})
			},
		},
	})

	return m.Migrate()
}
