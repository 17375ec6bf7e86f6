package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/client"
	"github.com/spf13/cobra"
)

var (
	serverURL  string
	reqTimeout time.Duration
	waitFor    time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "narrator",
	Short: "Client for the narrator text-to-speech service",
	Long: `narrator talks to a running narratord over HTTP.

Long texts are split into chunks server side, synthesized with a preset or
a cloned voice and stitched into one WAV file.`,
	SilenceUsage: true,
}

func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		printError(err)
		return err
	}
	return nil
}

func init() {
	defaultServer := os.Getenv("NARRATOR_SERVER")
	if defaultServer == "" {
		defaultServer = "http://localhost:8000"
	}
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", defaultServer, "Server base URL (env NARRATOR_SERVER)")
	rootCmd.PersistentFlags().DurationVar(&reqTimeout, "timeout", 5*time.Minute, "Per-request timeout")
	rootCmd.PersistentFlags().DurationVar(&waitFor, "wait", 30*time.Second, "How long to wait for the server to become healthy")
	rootCmd.SilenceErrors = true
}

// connect returns a client once the server answers its health check.
func connect(ctx context.Context) (*client.Client, error) {
	c, err := client.New(serverURL, reqTimeout)
	if err != nil {
		return nil, err
	}
	if err := c.WaitHealthy(ctx, waitFor); err != nil {
		return nil, err
	}
	return c, nil
}

func printError(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
}
