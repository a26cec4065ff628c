// Command rtpd is the operator tool for a fleet's coordination store: it
// lists and purges pending teleports, inspects presence, spawn and cooldown
// records, and tails the compute channel. The game-side cores live inside
// the backends; this binary only talks to the store.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"github.com/chumbucket/rtpd"
	"github.com/chumbucket/rtpd/internal/keyspace"
	"github.com/chumbucket/rtpd/internal/store"
)

const defaultOpTimeout = 10 * time.Second

func submain(ctx context.Context) int {
	logger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("RTPD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "rtpd")
	cmd := newRootCommand(logger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(logger pslog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "rtpd",
		Short:         "operator tooling for the rtpd coordination store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.String("store", rtpd.DefaultStore, "coordination store URL (redis://, rediss:// or mem://)")
	pf.String("prefix", rtpd.DefaultPrefix, "key prefix shared by the fleet")
	pf.Duration("timeout", defaultOpTimeout, "per-operation store timeout")

	v := viper.New()
	bindFlags(v, pf, logger)

	env := &cliEnv{v: v, logger: logger}
	root.AddCommand(
		newPendingCommand(env),
		newPresenceCommand(env),
		newSpawnCommand(env),
		newCooldownCommand(env),
		newWatchCommand(env),
	)
	return root
}

// bindFlags wires the persistent flags into viper so every flag can also be
// set through the RTPD_* environment.
func bindFlags(v *viper.Viper, pf *pflag.FlagSet, logger pslog.Logger) {
	v.SetEnvPrefix("RTPD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(pf); err != nil {
		logger.Error("cli.bind_flags", "error", err)
	}
}

// cliEnv carries the shared flag state and store access for subcommands.
type cliEnv struct {
	v      *viper.Viper
	logger pslog.Logger
}

// open connects to the configured store. The returned closer stops it.
func (e *cliEnv) open() (store.Store, keyspace.Keys, func(), error) {
	st, err := store.FromURL(e.v.GetString("store"), store.Options{Logger: e.logger})
	if err != nil {
		return nil, keyspace.Keys{}, nil, err
	}
	if err := st.Start(); err != nil {
		return nil, keyspace.Keys{}, nil, fmt.Errorf("connect store: %w", err)
	}
	return st, keyspace.New(e.v.GetString("prefix")), st.Stop, nil
}

// opCtx bounds one store operation with the configured timeout.
func (e *cliEnv) opCtx(parent context.Context) (context.Context, context.CancelFunc) {
	timeout := e.v.GetDuration("timeout")
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return context.WithTimeout(parent, timeout)
}
