// Package port runs one database port: it connects, reconciles the schema,
// binds routines and dispatches calls to them. The bound state is replaced
// as a whole on every reconnect.
package port

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mizuchilabs/sqlport/pkg/catalog"
	"github.com/mizuchilabs/sqlport/pkg/config"
	"github.com/mizuchilabs/sqlport/pkg/diff"
	"github.com/mizuchilabs/sqlport/pkg/logging"
	"github.com/mizuchilabs/sqlport/pkg/porterr"
	"github.com/mizuchilabs/sqlport/pkg/procedure"
	"github.com/mizuchilabs/sqlport/pkg/schema"
)

// QueryField is the message field holding a literal query, used when no
// handler serves the method
const QueryField = "query"

// ResponseMtid is the message type set on the metadata of every call
const ResponseMtid = "response"

// state is what calls read. It is never modified after being stored.
type state struct {
	cat      catalog.Catalog
	ready    bool
	snapshot *schema.Snapshot
	registry procedure.Registry
}

// Port is a database port
type Port struct {
	cfg    *config.Config
	driver catalog.Driver
	logger *zap.Logger
	errors *porterr.Mapping

	handlers procedure.Registry
	state    atomic.Pointer[state]

	mu      sync.Mutex
	retry   *time.Timer
	cancel  context.CancelFunc
	stopped bool
}

// Option configures a Port
type Option func(*Port)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(p *Port) {
		p.logger = logger
	}
}

// WithDriver uses d instead of the driver registered for db.driver
func WithDriver(d catalog.Driver) Option {
	return func(p *Port) {
		p.driver = d
	}
}

// New creates a port for cfg. Drivers are looked up by name, so the driver
// package must be imported.
func New(cfg *config.Config, opts ...Option) (*Port, error) {
	p := &Port{
		cfg:      cfg,
		errors:   porterr.NewMapping(cfg.Errors),
		handlers: make(procedure.Registry),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	p.logger = p.logger.Named("port").With(zap.String("id", cfg.ID))

	if p.driver.Open == nil {
		d, err := catalog.Lookup(cfg.DB.Driver)
		if err != nil {
			return nil, err
		}
		p.driver = d
	}
	p.state.Store(&state{})
	return p, nil
}

// Handle registers a handler before Start. Handlers take precedence over
// routines bound under the same name.
func (p *Port) Handle(method string, h procedure.Handler) {
	p.handlers[method] = h
}

// Start connects and binds the database. When that fails and retry is
// enabled, the error is logged and the port keeps reconnecting in the
// background; with retry disabled the error is returned.
func (p *Port) Start(ctx context.Context) error {
	p.mu.Lock()
	p.stopped = false
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.mu.Unlock()

	err := p.connect(ctx)
	if err == nil {
		return nil
	}
	if p.cfg.RetryInterval() == 0 {
		return err
	}
	p.scheduleRetry(runCtx, err)
	return nil
}

func (p *Port) scheduleRetry(ctx context.Context, cause error) {
	interval := p.cfg.RetryInterval()
	p.logger.Error("Connect failed, retrying",
		zap.Duration("retry", interval),
		zap.String("error", logging.SanitizeError(cause)))

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.retry = time.AfterFunc(interval, func() {
		if ctx.Err() != nil {
			return
		}
		if err := p.connect(ctx); err != nil {
			p.scheduleRetry(ctx, err)
		}
	})
}

// connect runs one full connect cycle: create, open, reconcile, bind and
// publish
func (p *Port) connect(ctx context.Context) error {
	p.suspend()

	if p.cfg.Create.Enabled() && p.driver.Create != nil {
		if err := p.driver.Create(ctx, p.cfg.DB, p.cfg.Create, p.logger); err != nil {
			p.replace(&state{})
			return err
		}
	}

	cat, err := p.driver.Open(ctx, p.cfg.DB, p.logger)
	if err != nil {
		p.replace(&state{})
		return err
	}
	p.replace(&state{cat: cat})

	snap, res, err := diff.Reconcile(ctx, cat, p.cfg, p.logger)
	if err != nil {
		p.replace(&state{})
		return err
	}
	if n := len(res.Changes); n > 0 {
		p.logger.Info("Schema updated", zap.Int("statements", n))
	}

	if err := ctx.Err(); err != nil {
		p.replace(&state{})
		return err
	}

	binder := &procedure.Binder{
		Snapshot: snap,
		Options: procedure.Options{
			ParamsOutName: p.cfg.OutName(),
			Debug:         p.cfg.Debug,
		},
		Errors: p.errors,
		Conn:   p.conn,
		Logger: p.logger,
	}
	p.replace(&state{
		cat:      cat,
		ready:    true,
		snapshot: snap,
		registry: binder.Bind(p.handlers),
	})
	p.logger.Info("Port ready", zap.Int("routines", len(snap.ParseList)))
	return nil
}

// suspend stops serving new calls. The current connection stays open for
// the calls already running until a replacement state is published.
func (p *Port) suspend() {
	if st := p.state.Load(); st != nil {
		p.state.Store(&state{cat: st.cat})
	}
}

// replace publishes next, then closes the connection it supersedes
func (p *Port) replace(next *state) {
	prev := p.state.Swap(next)
	if prev != nil && prev.cat != nil && prev.cat != next.cat {
		if err := prev.cat.Close(); err != nil {
			p.logger.Warn("Close failed", zap.Error(err))
		}
	}
}

// Stop cancels pending reconnects and closes the connection
func (p *Port) Stop() {
	p.mu.Lock()
	p.stopped = true
	if p.retry != nil {
		p.retry.Stop()
		p.retry = nil
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()

	p.replace(&state{})
}

func (p *Port) dbParams() map[string]any {
	return map[string]any{"host": p.cfg.DB.Host, "database": p.cfg.DB.Database}
}

// check returns the connection of st when it is ready
func (p *Port) check(st *state) (catalog.Catalog, error) {
	if st == nil || st.cat == nil {
		return nil, porterr.NoConnection(p.dbParams())
	}
	if !st.ready {
		return nil, porterr.NotReady(p.dbParams())
	}
	return st.cat, nil
}

func (p *Port) conn() (catalog.Catalog, error) {
	return p.check(p.state.Load())
}

// Exec serves one message: the handler resolved from meta.Method, else the
// literal query in the message
func (p *Port) Exec(ctx context.Context, msg map[string]any, meta *procedure.Meta) (any, error) {
	st := p.state.Load()
	cat, err := p.check(st)
	if err != nil {
		return nil, err
	}

	if meta == nil {
		meta = &procedure.Meta{}
	}
	meta.Mtid = ResponseMtid
	if meta.TraceID == "" {
		meta.TraceID = uuid.NewString()
	}

	if h := Resolve(st.registry, meta.Method, p.cfg.Aliases); h != nil {
		return h(ctx, msg, meta)
	}

	if query, ok := msg[QueryField].(string); ok && strings.TrimSpace(query) != "" {
		rows, err := cat.Query(ctx, query)
		if err != nil {
			e, trace := procedure.MapError(err, p.errors)
			if meta.Debug || p.cfg.Debug {
				e.Trace = trace
			}
			return nil, e
		}
		if rows == nil {
			rows = []catalog.Row{}
		}
		return rows, nil
	}

	return nil, porterr.MissingQuery(map[string]any{"msg": msg})
}

// Resolve finds the handler of method: by exact name, then with its namespace
// replaced through the alias table
func Resolve(reg procedure.Registry, method string, aliases map[string]string) procedure.Handler {
	if h, ok := reg[method]; ok {
		return h
	}
	ns, rest, ok := strings.Cut(method, ".")
	if !ok {
		return nil
	}
	if alias, ok := aliases[ns]; ok {
		if h, ok := reg[alias+"."+rest]; ok {
			return h
		}
	}
	return nil
}

// Ready reports whether calls are served
func (p *Port) Ready() bool {
	st := p.state.Load()
	return st != nil && st.ready
}

// Snapshot returns the current snapshot, nil before the first successful
// connect. It must not be modified.
func (p *Port) Snapshot() *schema.Snapshot {
	return p.state.Load().snapshot
}

// Registry returns the current handlers. It must not be modified.
func (p *Port) Registry() procedure.Registry {
	return p.state.Load().registry
}

// Catalog returns the open catalog of a ready port
func (p *Port) Catalog() (catalog.Catalog, error) {
	return p.conn()
}
