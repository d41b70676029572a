package port

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/mizuchilabs/sqlport/pkg/catalog"
	"github.com/mizuchilabs/sqlport/pkg/catalog/catalogtest"
	"github.com/mizuchilabs/sqlport/pkg/config"
	"github.com/mizuchilabs/sqlport/pkg/diff"
	"github.com/mizuchilabs/sqlport/pkg/porterr"
	"github.com/mizuchilabs/sqlport/pkg/procedure"
)

func retry(d time.Duration) *config.Interval {
	i := config.Interval(d)
	return &i
}

func schemaDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

type fixture struct {
	cat    *catalogtest.Catalog
	cfg    *config.Config
	opens  atomic.Int32
	create atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{cat: catalogtest.New()}
	f.cat.Objects = []catalog.Row{
		catalogtest.Routine("core", "itemGet", "CREATE PROCEDURE core.itemGet @id int AS SELECT @id AS id", "@id int"),
	}
	f.cat.OnCall = func(routine string, args []catalog.Arg) (*catalog.CallResult, error) {
		return &catalog.CallResult{Sets: []catalog.ResultSet{{{"routine": routine, "id": args[0].Value}}}}, nil
	}
	f.cfg = &config.Config{
		ID:      "core",
		Retry:   retry(0),
		DB:      config.DatabaseConfig{Driver: "fake", Host: "db", Database: "app"},
		Schema:  config.Locations{{Path: schemaDir(t, nil)}},
		LinkSP:  true,
		Aliases: map[string]string{"db": "core"},
		Errors:  map[string]string{"item": "item.error"},
	}
	return f
}

func (f *fixture) driver() catalog.Driver {
	return catalog.Driver{
		Name: "fake",
		Open: func(context.Context, config.DatabaseConfig, *zap.Logger) (catalog.Catalog, error) {
			f.opens.Add(1)
			return f.cat, nil
		},
		Create: func(context.Context, config.DatabaseConfig, config.CreateConfig, *zap.Logger) error {
			f.create.Add(1)
			return nil
		},
	}
}

func (f *fixture) start(t *testing.T) *Port {
	t.Helper()
	p, err := New(f.cfg, WithDriver(f.driver()), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(p.Stop)
	return p
}

func TestExecBoundRoutine(t *testing.T) {
	f := newFixture(t)
	p := f.start(t)

	require.True(t, p.Ready())
	require.Contains(t, p.Registry(), "core.itemGet")
	assert.Len(t, p.Snapshot().ParseList, 1)

	meta := &procedure.Meta{Method: "core.itemGet", Mtid: "request"}
	got, err := p.Exec(context.Background(), map[string]any{"id": 5.0}, meta)
	require.NoError(t, err)
	assert.Equal(t, []catalog.ResultSet{{{"routine": "core.itemGet", "id": 5.0}}}, got)
	assert.Equal(t, ResponseMtid, meta.Mtid)
	assert.NotEmpty(t, meta.TraceID)
}

func TestExecAlias(t *testing.T) {
	p := newFixture(t).start(t)

	_, err := p.Exec(context.Background(), map[string]any{"id": 1.0}, &procedure.Meta{Method: "db.itemGet"})
	assert.NoError(t, err)
}

func TestHandleWinsOverRoutine(t *testing.T) {
	f := newFixture(t)
	p, err := New(f.cfg, WithDriver(f.driver()))
	require.NoError(t, err)
	p.Handle("core.itemGet", func(context.Context, map[string]any, *procedure.Meta) (any, error) {
		return "custom", nil
	})
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	got, err := p.Exec(context.Background(), nil, &procedure.Meta{Method: "core.itemGet"})
	require.NoError(t, err)
	assert.Equal(t, "custom", got)
}

func TestExecQuery(t *testing.T) {
	f := newFixture(t)
	f.cat.OnQuery = func(text string) ([]catalog.Row, error) {
		if text == "SELECT 1 AS one" {
			return []catalog.Row{{"one": int64(1)}}, nil
		}
		return nil, &catalog.DriverError{Message: "item.missing\ndetail"}
	}
	p := f.start(t)

	got, err := p.Exec(context.Background(), map[string]any{"query": "SELECT 1 AS one"}, &procedure.Meta{Method: "unknown.method"})
	require.NoError(t, err)
	assert.Equal(t, []catalog.Row{{"one": int64(1)}}, got)

	_, err = p.Exec(context.Background(), map[string]any{"query": "SELECT x"}, &procedure.Meta{Debug: true})
	var pe *porterr.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, porterr.Kind("item.error"), pe.Kind)
	assert.Equal(t, []string{"detail"}, pe.Trace)

	_, err = p.Exec(context.Background(), map[string]any{}, nil)
	assert.ErrorIs(t, err, porterr.ErrMissingQuery)
}

func TestExecNotStarted(t *testing.T) {
	f := newFixture(t)
	p, err := New(f.cfg, WithDriver(f.driver()))
	require.NoError(t, err)

	_, err = p.Exec(context.Background(), map[string]any{"query": "SELECT 1"}, &procedure.Meta{})
	assert.ErrorIs(t, err, porterr.ErrNoConnection)
	assert.Nil(t, p.Snapshot())
}

func TestStartAppliesSchema(t *testing.T) {
	f := newFixture(t)
	f.cfg.Schema = config.Locations{{Path: schemaDir(t, map[string]string{
		"core.itemGet.sql": "CREATE PROCEDURE core.itemGet @id int AS SELECT @id AS itemId",
		"core.itemAdd.sql": "CREATE PROCEDURE core.itemAdd @name nvarchar(50) AS SELECT 1",
	})}}
	f.cfg.Create = config.CreateConfig{User: "admin"}
	f.start(t)

	assert.Equal(t, []string{
		"CREATE PROCEDURE core.itemAdd @name nvarchar(50) AS SELECT 1",
		"ALTER PROCEDURE core.itemGet @id int AS SELECT @id AS itemId",
	}, f.cat.Executed())
	assert.Equal(t, int32(1), f.create.Load())
}

func TestStartFailsWithoutRetry(t *testing.T) {
	f := newFixture(t)
	f.cfg.Schema = config.Locations{{Path: schemaDir(t, map[string]string{
		"core.itemAdd.sql": "CREATE PROCEDURE core.itemAdd AS SELECT broken",
	})}}
	f.cat.OnExec = func(string) error { return &catalog.DriverError{Message: "Invalid column name 'broken'.", Line: 1} }

	p, err := New(f.cfg, WithDriver(f.driver()))
	require.NoError(t, err)
	err = p.Start(context.Background())

	var se *diff.StatementError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "core.itemadd", string(se.Object))
	assert.False(t, p.Ready())
	assert.True(t, f.cat.Closed())
}

func TestStartRetries(t *testing.T) {
	f := newFixture(t)
	f.cfg.Retry = retry(10 * time.Millisecond)
	d := f.driver()
	open := d.Open
	d.Open = func(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (catalog.Catalog, error) {
		if f.opens.Load() < 2 {
			f.opens.Add(1)
			return nil, errors.New("connection refused")
		}
		return open(ctx, cfg, logger)
	}

	p, err := New(f.cfg, WithDriver(d), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	assert.Eventually(t, p.Ready, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), f.opens.Load())
}

func TestStop(t *testing.T) {
	f := newFixture(t)
	p := f.start(t)

	p.Stop()

	assert.False(t, p.Ready())
	assert.True(t, f.cat.Closed())
	_, err := p.Exec(context.Background(), map[string]any{"query": "SELECT 1"}, nil)
	assert.ErrorIs(t, err, porterr.ErrNoConnection)
}

func TestStopCancelsRetry(t *testing.T) {
	f := newFixture(t)
	f.cfg.Retry = retry(20 * time.Millisecond)
	d := f.driver()
	d.Open = func(context.Context, config.DatabaseConfig, *zap.Logger) (catalog.Catalog, error) {
		f.opens.Add(1)
		return nil, errors.New("connection refused")
	}

	p, err := New(f.cfg, WithDriver(d))
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	p.Stop()

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), f.opens.Load())
}

func TestNotReadyDuringApply(t *testing.T) {
	f := newFixture(t)
	var p *Port
	var during error
	f.cat.OnExec = func(string) error {
		_, during = p.Exec(context.Background(), map[string]any{"query": "SELECT 1"}, nil)
		return nil
	}
	f.cfg.Schema = config.Locations{{Path: schemaDir(t, map[string]string{
		"core.itemAdd.sql": "CREATE PROCEDURE core.itemAdd AS SELECT 1",
	})}}

	var err error
	p, err = New(f.cfg, WithDriver(f.driver()))
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	assert.ErrorIs(t, during, porterr.ErrNotReady)
}

func TestReconnectClosesAfterPublish(t *testing.T) {
	f := newFixture(t)
	next := catalogtest.New()
	next.Objects = f.cat.Objects
	next.OnCall = f.cat.OnCall

	p := f.start(t)
	_, err := p.Exec(context.Background(), map[string]any{"id": 1.0}, &procedure.Meta{Method: "core.itemGet"})
	require.NoError(t, err)

	var (
		openDuring bool
		execDuring error
	)
	p.driver.Open = func(context.Context, config.DatabaseConfig, *zap.Logger) (catalog.Catalog, error) {
		openDuring = !f.cat.Closed()
		_, execDuring = p.Exec(context.Background(), map[string]any{"id": 1.0}, &procedure.Meta{Method: "core.itemGet"})
		return next, nil
	}
	require.NoError(t, p.connect(context.Background()))

	assert.True(t, openDuring, "previous connection open until the new one is published")
	assert.ErrorIs(t, execDuring, porterr.ErrNotReady)
	assert.True(t, f.cat.Closed())
	assert.False(t, next.Closed())

	cat, err := p.Catalog()
	require.NoError(t, err)
	assert.Same(t, next, cat)
}

func TestReconnectFailureCloses(t *testing.T) {
	f := newFixture(t)
	p := f.start(t)

	p.driver.Open = func(context.Context, config.DatabaseConfig, *zap.Logger) (catalog.Catalog, error) {
		return nil, errors.New("connection refused")
	}
	require.Error(t, p.connect(context.Background()))

	assert.True(t, f.cat.Closed())
	_, err := p.Exec(context.Background(), map[string]any{"query": "SELECT 1"}, nil)
	assert.ErrorIs(t, err, porterr.ErrNoConnection)
}

func TestResolve(t *testing.T) {
	h := func(context.Context, map[string]any, *procedure.Meta) (any, error) { return nil, nil }
	reg := procedure.Registry{"core.itemGet": h}
	aliases := map[string]string{"db": "core"}

	assert.NotNil(t, Resolve(reg, "core.itemGet", aliases))
	assert.NotNil(t, Resolve(reg, "db.itemGet", aliases))
	assert.Nil(t, Resolve(reg, "db.other", aliases))
	assert.Nil(t, Resolve(reg, "itemGet", aliases))
	assert.Nil(t, Resolve(reg, "x.itemGet", nil))
}

func TestNewUnknownDriver(t *testing.T) {
	_, err := New(&config.Config{DB: config.DatabaseConfig{Driver: "nope"}})
	assert.Error(t, err)
}
