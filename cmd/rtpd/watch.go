package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/chumbucket/rtpd/internal/record"
)

func newWatchCommand(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "tail compute requests on the fleet's channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, keys, closer, err := env.open()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "watching %s (ctrl-c to stop)\n", keys.ComputeChannel())

			done := make(chan struct{})
			go func() {
				defer close(done)
				st.Subscribe(keys.ComputeChannel(), func(_, payload string) {
					var req record.ComputeRequest
					if err := record.Decode(payload, &req); err != nil {
						fmt.Fprintf(out, "%s  <unreadable> %q\n", time.Now().Format(time.TimeOnly), payload)
						return
					}
					fmt.Fprintf(out, "%s  %s -> %s world=%s player=%s\n",
						time.Now().Format(time.TimeOnly), req.RequestID, req.TargetServer, req.World, req.PlayerUUID)
				})
			}()

			<-cmd.Context().Done()
			closer()
			<-done
			return cmd.Context().Err()
		},
	}
}
