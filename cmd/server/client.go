package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/shehryarbajwa/page-recorder/internal/client"
	"github.com/shehryarbajwa/page-recorder/pkg/models"
)

// Variables to hold flag values
var (
	recordReq     models.CaptureRequest
	recordTimeout time.Duration
)

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a URL on a running server",
	Long:  `Asks the server to record a page and waits until the video file is written.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		api := client.New(serverURL, recordTimeout)

		resp, err := api.Record(cmd.Context(), recordReq)
		if err != nil {
			return fmt.Errorf("recording failed: %w", err)
		}

		if jsonOutput {
			return printJSON(resp)
		}
		fmt.Printf("Recorded %s (session %s)\n", resp.Filename, resp.SessionID)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether a recording is in progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		resp, err := client.New(serverURL, 0).Status(ctx)
		if err != nil {
			return fmt.Errorf("error fetching status: %w", err)
		}

		if jsonOutput {
			return printJSON(resp)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintf(w, "STATUS\t%s\n", resp.Status)
		if s := resp.Session; s != nil {
			fmt.Fprintf(w, "SESSION\t%s\nSTATE\t%s\nURL\t%s\nSTARTED\t%s\n", s.ID, s.State, s.Request.URL, s.StartedAt.Format(time.RFC3339))
		}
		if s := resp.LastSession; s != nil {
			fmt.Fprintf(w, "LAST\t%s %s %s\n", s.ID, s.State, s.Request.Filename)
			if s.Error != "" {
				fmt.Fprintf(w, "LAST ERROR\t%s\n", s.Error)
			}
		}
		return w.Flush()
	},
}

var recordingsCmd = &cobra.Command{
	Use:   "recordings",
	Short: "List recordings on the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		names, err := client.New(serverURL, 0).Recordings(ctx)
		if err != nil {
			return fmt.Errorf("error fetching recordings: %w", err)
		}

		if jsonOutput {
			return printJSON(names)
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(recordCmd, statusCmd, recordingsCmd)

	recordCmd.Flags().StringVar(&recordReq.URL, "url", "", "URL to record (required)")
	recordCmd.Flags().IntVar(&recordReq.Width, "width", 0, "Frame width (server default when 0)")
	recordCmd.Flags().IntVar(&recordReq.Height, "height", 0, "Frame height (server default when 0)")
	recordCmd.Flags().IntVar(&recordReq.Duration, "duration", 0, "Duration in seconds (server default when 0)")
	recordCmd.Flags().StringVar(&recordReq.Filename, "filename", "", "Output filename (timestamped when empty)")
	recordCmd.Flags().DurationVar(&recordTimeout, "timeout", 10*time.Minute, "How long to wait for the recording")
	recordCmd.MarkFlagRequired("url")
}
