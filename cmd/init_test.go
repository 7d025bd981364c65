package cmd

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tumibloom/discord--insight-bot/insightbot"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestInitCommand(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")

	originalDatabase := cfg.Database
	originalDatabaseType := cfg.DatabaseType
	originalAdmin := initialAdminID
	t.Cleanup(
		func() {
			cfg.Database = originalDatabase
			cfg.DatabaseType = originalDatabaseType
			initialAdminID = originalAdmin
		},
	)
	cfg.Database = dbPath
	cfg.DatabaseType = "sqlite"
	initialAdminID = "12345"

	var out bytes.Buffer
	initCmd.SetOut(&out)
	initCmd.SetContext(context.Background())

	initCmd.Run(initCmd, nil)

	assert.Contains(t, out.String(), "Granted admin to user 12345")
	assert.Contains(t, out.String(), "Initialization complete")

	// Verify the database was created with the admin row
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	require.NoError(t, err)

	var admin insightbot.AdminUser
	require.NoError(t, db.Where("user_id = ?", "12345").First(&admin).Error)
	assert.Equal(t, "init", admin.GrantedBy)
}
