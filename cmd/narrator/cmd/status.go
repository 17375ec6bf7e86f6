package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/loqalabs/loqa-narrator/internal/client"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Show server health or the state of a job",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if len(args) == 0 {
			return serverStatus(ctx)
		}
		c, err := connect(ctx)
		if err != nil {
			return err
		}
		job, err := c.Job(ctx, args[0])
		if err != nil {
			return err
		}
		printJob(job)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func serverStatus(ctx context.Context) error {
	c, err := client.New(serverURL, reqTimeout)
	if err != nil {
		return err
	}
	fmt.Printf("server %s\n", serverURL)
	if err := c.Health(ctx); err != nil {
		fmt.Printf("  [-] unreachable: %v\n", err)
		return err
	}
	fmt.Println("  [+] healthy")
	models, err := c.Models(ctx)
	if err != nil {
		return err
	}
	for _, m := range models {
		fmt.Printf("  model: %s (%s)\n", m.ID, m.Name)
	}
	return nil
}

func printJob(job client.JobView) {
	fmt.Printf("job %s\n", job.ID)
	fmt.Printf("  status:  %s\n", job.Status)
	if job.Reason != "" {
		fmt.Printf("  reason:  %s\n", job.Reason)
	}
	fmt.Printf("  voice:   %s\n", job.Voice.String())
	fmt.Printf("  chunks:  %d/%d\n", job.CompletedChunks, len(job.Chunks))
	if len(job.Failed) > 0 {
		fmt.Printf("  failed:  %s\n", failedList(job.Failed))
	}
	if !job.CreatedAt.IsZero() {
		fmt.Printf("  created: %s\n", humanize.Time(job.CreatedAt))
	}
	if !job.FinishedAt.IsZero() && !job.StartedAt.IsZero() {
		fmt.Printf("  took:    %s\n", job.FinishedAt.Sub(job.StartedAt).Round(time.Millisecond))
	}
	if job.Result != nil {
		fmt.Printf("  audio:   %.2fs at %d Hz\n", job.Result.DurationSeconds, job.Result.SampleRate)
	}
	if job.AudioURL != "" {
		fmt.Printf("  url:     %s\n", job.AudioURL)
	}
}
