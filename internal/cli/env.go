package cli

import (
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/roach88/crmsync/internal/adapter"
	"github.com/roach88/crmsync/internal/backup"
	"github.com/roach88/crmsync/internal/config"
	"github.com/roach88/crmsync/internal/engine"
	"github.com/roach88/crmsync/internal/identity"
	"github.com/roach88/crmsync/internal/kvstore"
	"github.com/roach88/crmsync/internal/notify"
)

// env is everything one command needs: the resolved config, a logger, the
// opened store and an engine over it.
type env struct {
	cfg     *config.Config
	log     *slog.Logger
	out     *OutputFormatter
	store   kvstore.Store
	adapter *adapter.Adapter
	engine  *engine.Engine
	closers []func() error
}

// loadConfig reads --config (or the defaults) and applies the store flags.
func (o *RootOptions) loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if o.ConfigPath != "" {
		var err error
		if cfg, err = config.Load(o.ConfigPath); err != nil {
			return nil, err
		}
	}
	if o.Store != "" {
		cfg.Store.Driver = o.Store
	}
	if o.Path != "" {
		cfg.Store.Path = o.Path
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// formatter returns an OutputFormatter writing to the command's streams.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// newLogger builds the CLI logger: JSON lines for --format json, otherwise
// tint, coloured only when w is a terminal.
func newLogger(w io.Writer, format string, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}

	noColor := true
	if f, ok := w.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd())
		w = colorable.NewColorable(f)
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05.000",
		NoColor:    noColor,
	}))
}

// openEnv resolves config, opens the store and identity, and builds the
// engine. Failures are ExitCommandError.
func openEnv(o *RootOptions, cmd *cobra.Command) (*env, error) {
	e := &env{
		log: newLogger(cmd.ErrOrStderr(), o.Format, o.Verbose),
		out: o.formatter(cmd),
	}

	cfg, err := o.loadConfig()
	if err != nil {
		_ = e.out.Error(CodeConfig, "invalid configuration", err.Error())
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	e.cfg = cfg

	if err := e.openStore(); err != nil {
		_ = e.out.Error(CodeStore, "failed to open store", err.Error())
		return nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}

	shapes, err := cfg.Shapes()
	if err != nil {
		e.close()
		_ = e.out.Error(CodeConfig, "invalid schemas", err.Error())
		return nil, WrapExitError(ExitCommandError, "invalid schemas", err)
	}

	id := e.identity()
	e.out.VerboseLog("store %s at %q, writer %s", cfg.Store.Driver, cfg.Store.Path, id.ID())

	backups := backup.New(e.store, backup.WithCapacity(cfg.BackupCapacity), backup.WithLogger(e.log))
	e.adapter = adapter.New(e.store, id,
		adapter.WithShapes(shapes),
		adapter.WithBackups(backups),
		adapter.WithLogger(e.log),
	)

	opts := []engine.EngineOption{
		engine.WithPollInterval(cfg.PollInterval),
		engine.WithLogger(e.log),
	}
	if cfg.Broadcast {
		opts = append(opts, engine.WithBus(notify.NewHub(notify.WithHubLogger(e.log))))
	}
	e.engine = engine.New(e.adapter, id, opts...)
	return e, nil
}

func (e *env) openStore() error {
	s := e.cfg.Store
	switch s.Driver {
	case config.DriverMemory:
		e.store = kvstore.NewOrigin(kvstore.WithQuota(int(s.QuotaBytes))).Context("cli")

	case config.DriverSQLite:
		opts := []kvstore.SQLiteOption{
			kvstore.WithWatchInterval(e.cfg.WatchInterval),
			kvstore.WithSQLiteLogger(e.log),
		}
		if s.MaxPages > 0 {
			opts = append(opts, kvstore.WithMaxPageCount(s.MaxPages))
		}
		db, err := kvstore.OpenSQLite(s.Path, opts...)
		if err != nil {
			return err
		}
		e.store = db
		e.closers = append(e.closers, db.Close)

	case config.DriverDir:
		opts := []kvstore.DirOption{kvstore.WithDirLogger(e.log)}
		if s.QuotaBytes > 0 {
			opts = append(opts, kvstore.WithDirQuota(s.QuotaBytes))
		}
		dir, err := kvstore.OpenDir(s.Path, opts...)
		if err != nil {
			return err
		}
		e.store = dir

	default:
		return errors.New("unknown store driver " + s.Driver)
	}
	return nil
}

// identity loads the writer identity from identity_path, or mints a
// throwaway one when no path is configured.
func (e *env) identity() identity.Provider {
	if e.cfg.IdentityPath == "" {
		id := identity.Generate()
		e.log.Debug("no identity_path, using ephemeral identity", "id", id)
		return identity.Fixed(id)
	}
	private, err := kvstore.OpenDir(e.cfg.IdentityPath, kvstore.WithDirLogger(e.log))
	if err != nil {
		e.log.Warn("identity directory unusable, using ephemeral identity", "path", e.cfg.IdentityPath, "error", err)
		return identity.Fixed(identity.Generate())
	}
	return identity.Load(private, identity.WithLogger(e.log))
}

func (e *env) close() {
	for _, fn := range e.closers {
		if err := fn(); err != nil {
			e.log.Warn("close failed", "error", err)
		}
	}
	e.closers = nil
}
