package database

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clearconsent/consentd/internal/models"
)

func TestOpenSQLiteInMemory(t *testing.T) {
	db, err := Open(Config{Driver: "sqlite", Path: ":memory:"})
	require.NoError(t, err)

	require.NoError(t, AutoMigrateAndSeed(db))

	var admin models.User
	require.NoError(t, db.Where("is_admin = ?", true).First(&admin).Error)
	require.Equal(t, models.PrivilegeDefault, admin.Privilege)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
}

func TestSeedDataIdempotent(t *testing.T) {
	db, err := Open(Config{Driver: "sqlite"})
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))

	require.NoError(t, SeedData(db))
	require.NoError(t, SeedData(db))

	var count int64
	require.NoError(t, db.Model(&models.User{}).Where("is_admin = ?", true).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "oracle"})
	require.Error(t, err)
}

func TestBuildPostgresDSN(t *testing.T) {
	dsn, err := buildPostgresDSN(Config{User: "consent", Name: "consentd", Password: "pw"})
	require.NoError(t, err)
	require.Contains(t, dsn, "host=localhost")
	require.Contains(t, dsn, "dbname=consentd")
	require.Contains(t, dsn, "sslmode=disable")

	_, err = buildPostgresDSN(Config{})
	require.Error(t, err)
}

func TestBuildMySQLDSN(t *testing.T) {
	dsn, err := buildMySQLDSN(Config{User: "consent", Name: "consentd"})
	require.NoError(t, err)
	require.Contains(t, dsn, "consent@tcp(127.0.0.1:3306)/consentd")
	require.Contains(t, dsn, "parseTime=True")
}
