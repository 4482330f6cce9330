package runtime

import (
	"context"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rzbill/flostore/internal/bus"
	"github.com/rzbill/flostore/internal/chaser"
	cfgpkg "github.com/rzbill/flostore/internal/config"
	"github.com/rzbill/flostore/internal/eventlog"
	"github.com/rzbill/flostore/internal/metrics"
	"github.com/rzbill/flostore/internal/readindex"
	pebblestore "github.com/rzbill/flostore/internal/storage/pebble"
	"github.com/rzbill/flostore/internal/tableindex"
	"github.com/rzbill/flostore/internal/writer"
	logpkg "github.com/rzbill/flostore/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	Config cfgpkg.Config
	// Logger defaults to logpkg.NewLogger().
	Logger logpkg.Logger
	// Registry defaults to metrics.NewRegistry().
	Registry *prometheus.Registry
}

// Runtime wires storage, the read index, the chaser and the writer for a
// single-node instance.
type Runtime struct {
	config cfgpkg.Config
	logger logpkg.Logger
	reg    *prometheus.Registry

	db          *pebblestore.DB
	log         *eventlog.Log
	replication *eventlog.DBCheckpoint
	index       *tableindex.Index
	bus         *bus.Bus
	ri          *readindex.ReadIndex
	chaser      *chaser.Chaser
	writer      *writer.Service
}

// Open initializes storage, rebuilds the read index up to the replication
// checkpoint and returns a Runtime ready to serve. The chaser is not
// started; call Chaser().Run.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	reg := opts.Registry
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	storeOpts, err := cfg.StorageOptions()
	if err != nil {
		return nil, err
	}
	storeOpts.Metrics = metrics.NewStorageMetrics(reg)
	db, err := pebblestore.Open(storeOpts)
	if err != nil {
		return nil, errors.Wrap(err, "open storage")
	}
	rt := &Runtime{config: cfg, logger: logger.With(logpkg.Component("runtime")), reg: reg, db: db}
	if err := rt.wire(ctx, logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	reg.MustRegister(metrics.NewPebbleCollector(db.Metrics))
	rt.logger.Info("runtime opened",
		logpkg.Str("data_dir", cfg.DataDir),
		logpkg.Int64("writer_checkpoint", rt.log.WriterCheckpoint().Read()),
		logpkg.Int64("replication_checkpoint", rt.replication.Read()),
		logpkg.Int64("last_indexed", rt.ri.LastIndexedPosition()))
	return rt, nil
}

func (r *Runtime) wire(ctx context.Context, logger logpkg.Logger) error {
	l, err := eventlog.OpenLog(r.db)
	if err != nil {
		return errors.Wrap(err, "open log")
	}
	l.SetScavengeHook(metrics.NewScavengeMetrics(r.reg))
	repl, err := eventlog.OpenCheckpoint(r.db, eventlog.CheckpointReplication, 0)
	if err != nil {
		return errors.Wrap(err, "open replication checkpoint")
	}
	indexChk, err := eventlog.OpenCheckpoint(r.db, eventlog.CheckpointIndex, -1)
	if err != nil {
		return errors.Wrap(err, "open index checkpoint")
	}
	r.log = l
	r.replication = repl
	r.index = tableindex.Open(r.db, tableindex.Options{})
	r.bus = bus.New(r.config.BusOptions(), r.reg)
	r.ri = readindex.New(l, r.index, indexChk, repl, r.bus, r.config.ReadIndexOptions(), logger, r.reg)
	if err := r.ri.Init(ctx, repl.Read()); err != nil {
		return errors.Wrap(err, "rebuild read index")
	}
	r.chaser = chaser.New(l, r.ri, repl, r.bus, r.config.ChaserOptions(), logger, r.reg)
	r.writer = writer.New(l, r.ri, r.chaser, writer.DefaultOptions(), logger, r.reg)
	return nil
}

// Close closes underlying resources. The chaser must have stopped.
func (r *Runtime) Close() error {
	if r.db == nil {
		return nil
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.ri != nil {
		if err := r.ri.Close(); err != nil {
			r.logger.Warn("close read index", logpkg.Err(err))
		}
	}
	err := r.db.Close()
	r.db = nil
	return err
}

// CheckHealth reports an error when storage is closed or the read index has
// stopped committing.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil {
		return errors.New("db not open")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	it, err := r.db.NewIter(nil)
	if err != nil {
		return err
	}
	it.Close()
	if st := r.ri.Committer().State(); st != readindex.CommitterReady {
		return errors.Errorf("read index %s", st)
	}
	return nil
}

func (r *Runtime) Config() cfgpkg.Config           { return r.config }
func (r *Runtime) Registry() *prometheus.Registry  { return r.reg }
func (r *Runtime) DB() *pebblestore.DB             { return r.db }
func (r *Runtime) Log() *eventlog.Log              { return r.log }
func (r *Runtime) Bus() *bus.Bus                   { return r.bus }
func (r *Runtime) ReadIndex() *readindex.ReadIndex { return r.ri }
func (r *Runtime) Chaser() *chaser.Chaser          { return r.chaser }
func (r *Runtime) Writer() *writer.Service         { return r.writer }
