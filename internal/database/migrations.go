package database

import (
	"gorm.io/gorm"

	"github.com/clearconsent/consentd/internal/models"
)

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.ConsentRecord{},
		&models.AuditLog{},
	)
}

// SeedData provisions bootstrap records. The admin account seeded here is
// already enabled; operator accounts do not go through the consent workflow.
func SeedData(db *gorm.DB) error {
	var count int64
	if err := db.Model(&models.User{}).Where("is_admin = ?", true).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	admin := models.User{
		Username:  "admin",
		Email:     "admin@localhost",
		Password:  "!", // unusable hash; must be set explicitly by the operator
		Privilege: models.PrivilegeDefault,
		IsAdmin:   true,
	}
	return db.Where(models.User{Username: admin.Username}).Attrs(admin).FirstOrCreate(&models.User{}).Error
}
