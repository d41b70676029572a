package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/mizuchilabs/sqlport/pkg/config"
)

// maintenance database used while the target does not exist yet
const maintenanceDB = "postgres"

// Create creates the target database and its login role, connecting to the
// maintenance database with the admin credentials. Existing objects are kept.
func Create(ctx context.Context, cfg config.DatabaseConfig, admin config.CreateConfig, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	adminCfg := cfg
	adminCfg.User = admin.User
	adminCfg.Password = admin.Password
	adminCfg.DSN = ""

	conn, err := pgx.Connect(ctx, buildConnectionString(adminCfg, maintenanceDB))
	if err != nil {
		return fmt.Errorf("connect as %s: %w", admin.User, driverError(err, ""))
	}
	defer func() { _ = conn.Close(ctx) }()

	if cfg.User != "" {
		role := createRole(cfg.User, cfg.Password)
		if _, err := conn.Exec(ctx, role); err != nil {
			return fmt.Errorf("create login %s: %w", cfg.User, driverError(err, role))
		}
	}

	var exists bool
	if err := conn.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)", cfg.Database).Scan(&exists); err != nil {
		return fmt.Errorf("check database %s: %w", cfg.Database, driverError(err, ""))
	}
	if exists {
		logger.Debug("Database exists", zap.String("database", cfg.Database))
		return nil
	}

	create := "CREATE DATABASE " + pgx.Identifier{cfg.Database}.Sanitize()
	if cfg.User != "" {
		create += " OWNER " + pgx.Identifier{cfg.User}.Sanitize()
	}
	if _, err := conn.Exec(ctx, create); err != nil {
		return fmt.Errorf("create database %s: %w", cfg.Database, driverError(err, create))
	}

	logger.Info("Created database", zap.String("database", cfg.Database))
	return nil
}

func createRole(user, password string) string {
	return fmt.Sprintf(`DO $$
BEGIN
	IF NOT EXISTS (SELECT 1 FROM pg_roles WHERE rolname = %s) THEN
		CREATE ROLE %s LOGIN PASSWORD %s;
	END IF;
END
$$`, quoteLiteral(user), pgx.Identifier{user}.Sanitize(), quoteLiteral(password))
}
