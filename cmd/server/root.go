package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/shehryarbajwa/page-recorder/internal/config"
)

var (
	cfgFile    string
	serverURL  string
	jsonOutput bool

	// dotEnvErr is the result of loading .env, reported once a logger exists
	dotEnvErr error
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "page-recorder",
	Short: "Record web pages as video",
	Long: `page-recorder drives a kiosk browser on an X display to a URL and
captures the screen (and optionally system audio) with ffmpeg into a
timed video file. Run "serve" to start the HTTP API; the other commands
talk to a running server.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(func() { dotEnvErr = config.LoadDotEnv() })

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("PAGE_RECORDER_SERVER", "http://localhost:3000"), "page-recorder server URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output results as JSON")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func dotEnvMissing() bool {
	return errors.Is(dotEnvErr, fs.ErrNotExist)
}
