package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report the progress of the upload running in a local agent process",
		Args:  cobra.NoArgs,
		RunE:  func(cmd *cobra.Command, args []string) error { return runStatus() },
	}
}

func runStatus() error {
	conn, err := dialControl(flagWSPort)
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.ReadMessage() // discard the config frame

	conn.SetReadDeadline(time.Now().Add(flagDurationOrDefault()))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("no progress reported within the wait window: %w", err)
	}

	var frame map[string]interface{}
	if err := json.Unmarshal(data, &frame); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}

	switch frame["type"] {
	case "progress":
		fmt.Printf("upload %v: %.1f%% (%v/%v bytes), %d/%d parts, %d active workers\n",
			frame["uploadId"], frame["percent"], int64(frame["bytesTransferred"].(float64)), int64(frame["totalBytes"].(float64)),
			int(frame["completedParts"].(float64)), int(frame["totalParts"].(float64)), int(frame["activeThreads"].(float64)))
	case "status":
		fmt.Printf("upload %v: %v\n", frame["uploadId"], frame["status"])
	default:
		fmt.Printf("no active upload (%v frame received)\n", frame["type"])
	}
	return nil
}

func flagDurationOrDefault() time.Duration {
	return 2 * time.Second
}
