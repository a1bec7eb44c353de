package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/clearconsent/consentd/internal/models"
	"github.com/clearconsent/consentd/internal/services"
)

func openMaintenanceTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.AuditLog{}))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	return db
}

func seedAuditEntry(t *testing.T, db *gorm.DB, action string, createdAt time.Time) {
	t.Helper()
	entry := models.AuditLog{
		Action: action,
		Result: "success",
	}
	require.NoError(t, db.Create(&entry).Error)
	require.NoError(t, db.Model(&models.AuditLog{}).
		Where("id = ?", entry.ID).
		Update("created_at", createdAt).Error)
}

func TestCleanerRunOncePrunesOldEntries(t *testing.T) {
	db := openMaintenanceTestDB(t)
	audit, err := services.NewAuditService(db)
	require.NoError(t, err)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	seedAuditEntry(t, db, "consent.redeem", now.AddDate(0, 0, -120))
	seedAuditEntry(t, db, "consent.register", now.AddDate(0, 0, -1))

	cleaner := NewCleaner(audit,
		WithNow(func() time.Time { return now }),
		WithAuditRetentionDays(90),
	)
	require.NoError(t, cleaner.RunOnce(context.Background()))

	var remaining []models.AuditLog
	require.NoError(t, db.Find(&remaining).Error)
	require.Len(t, remaining, 1)
	require.Equal(t, "consent.register", remaining[0].Action)
}

func TestCleanerStartRegistersJob(t *testing.T) {
	db := openMaintenanceTestDB(t)
	audit, err := services.NewAuditService(db)
	require.NoError(t, err)

	scheduler := cron.New(cron.WithLogger(cron.DiscardLogger))
	cleaner := NewCleaner(audit,
		WithCron(scheduler),
		WithAuditSchedule("@hourly"),
	)
	require.NoError(t, cleaner.Start())
	require.Len(t, scheduler.Entries(), 1)

	<-cleaner.Stop().Done()
}

func TestCleanerWithoutAuditServiceIsNoop(t *testing.T) {
	cleaner := NewCleaner(nil)
	require.NoError(t, cleaner.Start())
	require.NoError(t, cleaner.RunOnce(context.Background()))
}
