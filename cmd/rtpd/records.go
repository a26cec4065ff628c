package main

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/chumbucket/rtpd/internal/record"
	"github.com/chumbucket/rtpd/internal/store"
)

func newPresenceCommand(env *cliEnv) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "presence",
		Short: "inspect player presence records",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "list which backend each online player was last seen on",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, keys, closer, err := env.open()
			if err != nil {
				return err
			}
			defer closer()
			ctx, cancel := env.opCtx(cmd.Context())
			defer cancel()

			found, err := st.Scan(ctx, keys.Prefix()+"presence:*")
			if err != nil {
				return fmt.Errorf("scan presence: %w", err)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PLAYER\tSERVER\tTTL")
			for _, key := range found {
				server, err := st.Get(ctx, key)
				if err != nil {
					continue
				}
				ttl, _ := st.TTL(ctx, key)
				player := key[strings.LastIndexByte(key, ':')+1:]
				fmt.Fprintf(w, "%s\t%s\t%s\n", player, server, ttl.Round(time.Second))
			}
			return w.Flush()
		},
	})
	return cmd
}

func newSpawnCommand(env *cliEnv) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spawn",
		Short: "inspect shared bed/anchor spawn records",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <player-uuid>",
		Short: "show a player's shared spawn record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("bad player uuid %q: %w", args[0], err)
			}
			st, keys, closer, err := env.open()
			if err != nil {
				return err
			}
			defer closer()
			ctx, cancel := env.opCtx(cmd.Context())
			defer cancel()

			raw, err := st.Get(ctx, keys.Spawn(id))
			if errors.Is(err, store.ErrNotFound) {
				fmt.Fprintln(cmd.OutOrStdout(), "no spawn record")
				return nil
			}
			if err != nil {
				return fmt.Errorf("read spawn: %w", err)
			}
			var sp record.SpawnPoint
			if err := record.Decode(raw, &sp); err != nil {
				return fmt.Errorf("spawn record is unreadable: %w", err)
			}
			ttl, _ := st.TTL(ctx, keys.Spawn(id))
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "type:    %s\n", sp.NormalizedType())
			fmt.Fprintf(out, "server:  %s\n", sp.Server)
			fmt.Fprintf(out, "world:   %s\n", sp.World)
			fmt.Fprintf(out, "pos:     %.1f %.1f %.1f\n", sp.X, sp.Y, sp.Z)
			fmt.Fprintf(out, "set:     %s\n", humanize.Time(time.UnixMilli(sp.AtMs)))
			fmt.Fprintf(out, "expires: %s\n", ttl.Round(time.Second))
			return nil
		},
	})
	return cmd
}

func newCooldownCommand(env *cliEnv) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cooldown",
		Short: "inspect RTP cooldown markers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <player-uuid>",
		Short: "show a player's remaining cooldown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("bad player uuid %q: %w", args[0], err)
			}
			st, keys, closer, err := env.open()
			if err != nil {
				return err
			}
			defer closer()
			ctx, cancel := env.opCtx(cmd.Context())
			defer cancel()

			ttl, err := st.TTL(ctx, keys.Cooldown(id))
			if errors.Is(err, store.ErrNotFound) {
				fmt.Fprintln(cmd.OutOrStdout(), "no active cooldown")
				return nil
			}
			if err != nil {
				return fmt.Errorf("read cooldown: %w", err)
			}
			if ttl == store.NoExpiry {
				fmt.Fprintln(cmd.OutOrStdout(), "cooldown marker has no expiry")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s remaining\n", ttl.Round(time.Second))
			return nil
		},
	})
	return cmd
}
