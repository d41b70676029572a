package mssql

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/mizuchilabs/sqlport/pkg/config"
)

// Create creates the target database, a login for cfg.User and a database
// user owning it. Statements are guarded so existing objects are kept.
func Create(ctx context.Context, cfg config.DatabaseConfig, admin config.CreateConfig, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	adminCfg := cfg
	adminCfg.User = admin.User
	adminCfg.Password = admin.Password
	adminCfg.DSN = ""

	db, err := sql.Open("sqlserver", buildConnectionString(adminCfg, "master"))
	if err != nil {
		return fmt.Errorf("open SQL auth connection: %w", err)
	}
	defer db.Close()

	for _, stmt := range createStatements(cfg) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create database %s: %w", cfg.Database, driverError(err))
		}
	}

	logger.Info("Database ready", zap.String("database", cfg.Database))
	return nil
}

func createStatements(cfg config.DatabaseConfig) []string {
	db := quoteName(cfg.Database)
	stmts := []string{
		fmt.Sprintf("IF DB_ID(N'%s') IS NULL CREATE DATABASE %s", escapeStringLiteral(cfg.Database), db),
	}
	if cfg.User == "" {
		return stmts
	}

	user := quoteName(cfg.User)
	name := escapeStringLiteral(cfg.User)
	return append(stmts,
		fmt.Sprintf("IF NOT EXISTS (SELECT 1 FROM sys.server_principals WHERE name = N'%s') CREATE LOGIN %s WITH PASSWORD = N'%s', CHECK_POLICY = OFF",
			name, user, escapeStringLiteral(cfg.Password)),
		fmt.Sprintf("USE %s; IF USER_ID(N'%s') IS NULL CREATE USER %s FOR LOGIN %s; ALTER ROLE db_owner ADD MEMBER %s",
			db, name, user, user, user),
	)
}
