package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Pause the upload running in a local agent process",
		Args:  cobra.NoArgs,
		RunE:  func(cmd *cobra.Command, args []string) error { return runRemoteCommand("pause") },
	}
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume a paused upload in a local agent process",
		Args:  cobra.NoArgs,
		RunE:  func(cmd *cobra.Command, args []string) error { return runRemoteCommand("resume") },
	}
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the upload running in a local agent process",
		Args:  cobra.NoArgs,
		RunE:  func(cmd *cobra.Command, args []string) error { return runRemoteCommand("cancel") },
	}
}

func runRemoteCommand(action string) error {
	frame, err := sendCommand(flagWSPort, action)
	if err != nil {
		return err
	}
	if frame["type"] == "error" {
		return fmt.Errorf("%s: %v", frame["code"], frame["error"])
	}
	fmt.Printf("%s: %v\n", action, frame["status"])
	return nil
}
