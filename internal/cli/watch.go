package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Duration time.Duration // stop after this long; zero waits for a signal
}

// Update is one record change printed by watch.
type Update struct {
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload"`
}

func (u Update) String() string {
	return fmt.Sprintf("%s %s", u.Key, u.Payload)
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch [keys...]",
		Short: "Print record changes made by other contexts",
		Long: `Start the sync engine and print every change to the given keys
(default: the configured keys) until interrupted.

Changes arrive through the store's native signal, the broadcast bus when
enabled, and the periodic reconciliation poll.

Examples:
  crmsync watch
  crmsync watch clients tasks --for 30s --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(opts, cmd, args)
		},
	}

	cmd.Flags().DurationVar(&opts.Duration, "for", 0, "stop after this duration (default: until interrupted)")

	return cmd
}

func runWatch(opts *WatchOptions, cmd *cobra.Command, keys []string) error {
	e, err := openEnv(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer e.close()

	if len(keys) == 0 {
		keys = e.cfg.Keys
	}

	ctx, stopSignals := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	var mu sync.Mutex
	show := func(key string, payload json.RawMessage) {
		mu.Lock()
		defer mu.Unlock()
		if err := e.out.Success(Update{Key: key, Payload: payload}); err != nil {
			e.log.Warn("write update", "key", key, "error", err)
		}
	}

	for _, key := range keys {
		if payload, ok := e.engine.LoadRecord(key); ok {
			show(key, payload)
		}
	}

	unsubscribe := e.engine.Subscribe(keys, show)
	defer unsubscribe()

	stop, err := e.engine.Start(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start engine", err)
	}
	e.log.Info("watching", "keys", keys, "writer", e.engine.WriterID())

	<-ctx.Done()
	stop()

	stats := e.engine.Stats()
	e.out.VerboseLog("delivered %d, duplicates %d, polls %d", stats.Delivered, stats.Duplicates, stats.Polls)
	return nil
}
