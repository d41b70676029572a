//go:build integration

package postgres

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"

	"github.com/mizuchilabs/sqlport/pkg/catalog"
	"github.com/mizuchilabs/sqlport/pkg/config"
	"github.com/mizuchilabs/sqlport/pkg/diff"
	"github.com/mizuchilabs/sqlport/pkg/schema"
)

func startPostgres(t *testing.T) config.DatabaseConfig {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_DB":       "port_test",
				"POSTGRES_USER":     "port",
				"POSTGRES_PASSWORD": "test_password",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)
	p, err := strconv.Atoi(port.Port())
	require.NoError(t, err)

	return config.DatabaseConfig{
		Driver:   "postgres",
		Host:     host,
		Port:     p,
		User:     "port",
		Password: "test_password",
		Database: "port_test",
		SSLMode:  "disable",
	}
}

func TestIntegration(t *testing.T) {
	cfg := startPostgres(t)
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	admin := config.CreateConfig{User: cfg.User, Password: cfg.Password}
	created := cfg
	created.Database = "port_created"
	created.User = "port_app"
	created.Password = "app_password"
	require.NoError(t, Create(ctx, created, admin, logger))
	require.NoError(t, Create(ctx, created, admin, logger), "create is idempotent")

	c, err := Open(ctx, cfg, logger)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Exec(ctx, `
CREATE SCHEMA core;
CREATE TABLE core.item (id int PRIMARY KEY, name varchar(50), price numeric(10,2));
CREATE TYPE core."itemTT" AS (id int, name varchar(50), price numeric(10,2));
INSERT INTO core.item VALUES (1, 'one', 1.5), (2, 'two', 2.25);
CREATE FUNCTION core."itemGet"(id int) RETURNS SETOF core.item LANGUAGE sql
AS $$ SELECT * FROM core.item WHERE item.id = "itemGet".id $$;
CREATE FUNCTION core."itemCount"(items core."itemTT"[]) RETURNS int LANGUAGE sql
AS $$ SELECT cardinality(items) $$;
CREATE FUNCTION core."itemBoth"() RETURNS SETOF refcursor LANGUAGE plpgsql AS $$
DECLARE a refcursor := 'a'; b refcursor := 'b';
BEGIN
	OPEN a FOR SELECT id FROM core.item ORDER BY id;
	RETURN NEXT a;
	OPEN b FOR SELECT name FROM core.item ORDER BY id;
	RETURN NEXT b;
END $$;`))

	snap, err := catalog.Load(ctx, c, catalog.LoadOptions{BindAll: true})
	require.NoError(t, err)
	assert.True(t, snap.Has("core.item"))
	assert.Equal(t, "", snap.Source["core.item"])
	assert.Contains(t, snap.Source["core.itemget"], "CREATE OR REPLACE FUNCTION core.\"itemGet\"")
	assert.Equal(t, "id\tint\t\t\nname\tvarchar\t50\t\nprice\tnumeric\t10\t2", snap.Source["core.itemtt"])
	assert.Contains(t, snap.Deps["core.itemtt"].Names, schema.ObjectID("core.itemcount"))

	res, err := c.Call(ctx, "core.itemGet", []catalog.Arg{{Name: "id", Value: float64(2)}})
	require.NoError(t, err)
	require.Len(t, res.Sets, 1)
	require.Len(t, res.Sets[0], 1)
	assert.Equal(t, "two", res.Sets[0][0]["name"])
	assert.Equal(t, 2.25, res.Sets[0][0]["price"])

	res, err = c.Call(ctx, "core.itemCount", []catalog.Arg{{
		Name:      "items",
		TableType: `core."itemTT"`,
		Value:     []map[string]any{{"id": 1}, {"id": 2, "name": "b"}},
	}})
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.Sets[0][0]["itemCount"])

	res, err = c.Call(ctx, "core.itemBoth", nil)
	require.NoError(t, err)
	require.Len(t, res.Sets, 2)
	assert.Len(t, res.Sets[0], 2)
	assert.Equal(t, "one", res.Sets[1][0]["name"])

	err = c.Exec(ctx, "SELECT\n  missing_column FROM core.item")
	var de *catalog.DriverError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "42703", de.Code)
	assert.Equal(t, 2, de.Line)
}

func TestIntegrationReconcileIsStable(t *testing.T) {
	cfg := startPostgres(t)
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	c, err := Open(ctx, cfg, logger)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Exec(ctx, `
CREATE SCHEMA core;
CREATE FUNCTION core."itemGet"(id int) RETURNS int LANGUAGE sql AS $$ SELECT 1 $$;
CREATE VIEW core."itemView" AS SELECT core."itemGet"(1) AS id;`))

	dir := t.TempDir()
	files := map[string]string{
		"core.itemGet.sql":  `CREATE FUNCTION core."itemGet"(id int) RETURNS int LANGUAGE sql AS $$ SELECT id $$`,
		"core.itemList.sql": `CREATE FUNCTION core."itemList"() RETURNS SETOF int LANGUAGE sql AS $$ SELECT 1 $$`,
		"core.itemView.sql": `CREATE VIEW core."itemView" AS SELECT core."itemGet"(1) AS id`,
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	port := &config.Config{Schema: config.Locations{{Path: dir}}}

	_, res, err := diff.Reconcile(ctx, c, port, logger)
	require.NoError(t, err)
	var types []diff.ChangeType
	for _, ch := range res.Changes {
		types = append(types, ch.Type)
	}
	assert.Contains(t, types, diff.Alter)
	assert.Contains(t, types, diff.RecordSource)

	_, res, err = diff.Reconcile(ctx, c, port, logger)
	require.NoError(t, err)
	assert.Empty(t, res.Changes, "second run finds nothing to change")

	rows, err := c.Query(ctx, `SELECT core."itemGet"(7) AS id`)
	require.NoError(t, err)
	assert.EqualValues(t, 7, rows[0]["id"])
}
