package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"permstate/internal/models"
)

var watchUserVisibleOnly bool

var watchCmd = &cobra.Command{
	Use:   "watch <name>",
	Short: "Print each state of a permission until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		desc := models.Descriptor{Name: args[0], UserVisibleOnly: watchUserVisibleOnly}
		if err := desc.Validate(); err != nil {
			return err
		}

		b := newBuilder()
		platform, err := b.BuildPlatform()
		if err != nil {
			return err
		}
		defer platform.Close()

		states, err := b.BuildCache(platform)
		if err != nil {
			return err
		}
		defer states.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		log.Debug().Str("permission", desc.Key()).Msg("watching permission")
		out := cmd.OutOrStdout()
		for u := range states.State(desc).Updates(ctx) {
			if u.Err != nil {
				return u.Err
			}
			fmt.Fprintf(out, "%s\t%s\t%s\n", time.Now().UTC().Format(time.RFC3339), desc.Key(), u.State)
		}
		return nil
	},
}

func init() {
	watchCmd.Flags().BoolVar(&watchUserVisibleOnly, "user-visible-only", false, "Set userVisibleOnly on the descriptor")
	rootCmd.AddCommand(watchCmd)
}
