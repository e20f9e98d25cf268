package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"permstate/internal/models"
)

var getCmd = &cobra.Command{
	Use:   "get <name>...",
	Short: "Print the current state of one or more permissions as JSON",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newBuilder().Build()
		if err != nil {
			return err
		}
		defer svc.Close()

		states, err := svc.GetMultipleStates(cmd.Context(), args)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(states)
	},
}

var setCmd = &cobra.Command{
	Use:       "set <name> <state>",
	Short:     "Write a permission state into the platform",
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{string(models.StateGranted), string(models.StateDenied), string(models.StatePrompt)},
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := models.Named(args[0]).Validate(); err != nil {
			return err
		}
		state := models.PermissionState(args[1])
		if !state.IsValid() {
			return fmt.Errorf("%w: %q (want granted, denied or prompt)", models.ErrInvalidState, args[1])
		}

		platform, err := newBuilder().BuildPlatform()
		if err != nil {
			return err
		}
		defer platform.Close()

		if err := platform.SetState(cmd.Context(), args[0], state); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", args[0], state)
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset <name>",
	Short: "Return a permission to prompt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := models.Named(args[0]).Validate(); err != nil {
			return err
		}
		platform, err := newBuilder().BuildPlatform()
		if err != nil {
			return err
		}
		defer platform.Close()

		return platform.Delete(cmd.Context(), args[0])
	},
}

func init() {
	rootCmd.AddCommand(getCmd, setCmd, resetCmd)
}
