package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/chumbucket/rtpd"
	"github.com/chumbucket/rtpd/internal/record"
)

func newPendingCommand(env *cliEnv) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "inspect and purge pending teleports",
	}
	cmd.AddCommand(newPendingListCommand(env), newPendingPurgeCommand(env))
	return cmd
}

func newPendingListCommand(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list pending teleports across the fleet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, keys, closer, err := env.open()
			if err != nil {
				return err
			}
			defer closer()
			ctx, cancel := env.opCtx(cmd.Context())
			defer cancel()

			found, err := st.Scan(ctx, keys.Prefix()+"pending:*")
			if err != nil {
				return fmt.Errorf("scan pending: %w", err)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PLAYER\tSERVER\tWORLD\tX\tY\tZ\tAGE\tATTEMPTS\tTTL")
			for _, key := range found {
				raw, err := st.Get(ctx, key)
				if err != nil {
					continue
				}
				player := key[strings.LastIndexByte(key, ':')+1:]
				var p record.PendingTeleport
				if err := record.Decode(raw, &p); err != nil {
					fmt.Fprintf(w, "%s\t<poison>\t\t\t\t\t\t\t\n", player)
					continue
				}
				ttl, _ := st.TTL(ctx, key)
				fmt.Fprintf(w, "%s\t%s\t%s\t%.1f\t%.1f\t%.1f\t%s\t%d\t%s\n",
					player, p.Server, p.World, p.X, p.Y, p.Z,
					humanize.Time(time.UnixMilli(p.AtMs)), p.Attempts, ttl.Round(time.Second))
			}
			return w.Flush()
		},
	}
}

func newPendingPurgeCommand(env *cliEnv) *cobra.Command {
	var staleOnly bool
	var requestTTL time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "delete pending teleports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, keys, closer, err := env.open()
			if err != nil {
				return err
			}
			defer closer()
			ctx, cancel := env.opCtx(cmd.Context())
			defer cancel()

			found, err := st.Scan(ctx, keys.Prefix()+"pending:*")
			if err != nil {
				return fmt.Errorf("scan pending: %w", err)
			}
			now := time.Now().UnixMilli()
			purged := 0
			for _, key := range found {
				if staleOnly {
					raw, err := st.Get(ctx, key)
					if err != nil {
						continue
					}
					var p record.PendingTeleport
					// Unreadable records are purged regardless of age.
					if derr := record.Decode(raw, &p); derr == nil {
						if now-p.AtMs <= requestTTL.Milliseconds() {
							continue
						}
					}
				}
				if err := st.Del(ctx, key); err != nil {
					return fmt.Errorf("delete %s: %w", key, err)
				}
				purged++
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d of %d pending teleports\n", purged, len(found))
			return nil
		},
	}
	cmd.Flags().BoolVar(&staleOnly, "stale-only", false, "only purge records older than --request-ttl")
	cmd.Flags().DurationVar(&requestTTL, "request-ttl", rtpd.DefaultRequestTTL, "staleness threshold for --stale-only")
	return cmd
}
