package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/loqalabs/loqa-narrator/internal/client"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/spf13/cobra"
)

var (
	synthFlags  jobFlags
	synthInput  string
	synthOutput string
	synthFollow bool
)

var synthCmd = &cobra.Command{
	Use:   "synth [text]",
	Short: "Synthesize text into a WAV file",
	Long: `Synthesizes the given text, the contents of --file, or stdin when neither
is given. By default the call blocks until the audio is ready; with --follow
the job runs in the background and its progress is printed as it happens.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSynth,
}

func init() {
	synthFlags.register(synthCmd.Flags())
	synthCmd.Flags().StringVarP(&synthInput, "file", "f", "", "Read text from this file")
	synthCmd.Flags().StringVarP(&synthOutput, "out", "o", "", "Output WAV path (default <job-id>.wav)")
	synthCmd.Flags().BoolVar(&synthFollow, "follow", false, "Stream chunk progress while the job runs")
	rootCmd.AddCommand(synthCmd)
}

func runSynth(cmd *cobra.Command, args []string) error {
	text, err := readText(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	c, err := connect(ctx)
	if err != nil {
		return err
	}
	opts := synthFlags.options(cmd.Flags(), text)

	var jobID string
	if synthFollow {
		jobID, err = followJob(ctx, c, opts)
	} else {
		jobID, err = generate(ctx, c, opts)
	}
	if err != nil {
		return err
	}
	return download(ctx, c, jobID, synthOutput)
}

func readText(stdin io.Reader, args []string) (string, error) {
	var data []byte
	var err error
	switch {
	case len(args) == 1:
		data = []byte(args[0])
	case synthInput != "":
		data, err = os.ReadFile(synthInput)
	default:
		data, err = io.ReadAll(stdin)
	}
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", errors.New("no text to synthesize")
	}
	return text, nil
}

func generate(ctx context.Context, c *client.Client, opts pipeline.Options) (string, error) {
	gen, err := c.Generate(ctx, opts)
	if err != nil {
		return "", err
	}
	fmt.Printf("job %s: %d chunks, %.2fs audio in %.2fs\n", gen.JobID, gen.Chunks, gen.Duration, gen.ProcessingTime)
	if gen.Partial {
		fmt.Printf("  partial result, failed chunks: %s\n", failedList(gen.Failed))
	}
	return gen.JobID, nil
}

func followJob(ctx context.Context, c *client.Client, opts pipeline.Options) (string, error) {
	job, err := c.CreateJob(ctx, opts)
	if err != nil {
		return "", err
	}
	fmt.Printf("job %s accepted, %d chunks\n", job.ID, len(job.Chunks))

	var last pipeline.Event
	err = c.Stream(ctx, job.ID, func(evt pipeline.Event) {
		printEvent(evt)
		last = evt
	})
	if err != nil {
		return "", err
	}
	switch last.Type {
	case pipeline.EventComplete:
		return job.ID, nil
	case pipeline.EventPartialFailure:
		if last.Result != nil {
			return job.ID, nil
		}
	}
	return "", fmt.Errorf("job %s ended with status %s: %s", job.ID, last.Status, last.Reason)
}

func download(ctx context.Context, c *client.Client, jobID, path string) error {
	if path == "" {
		path = jobID + ".wav"
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	n, err := c.Download(ctx, jobID, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return err
	}
	fmt.Printf("wrote %s (%s)\n", path, humanize.Bytes(uint64(n)))
	return nil
}

func printEvent(evt pipeline.Event) {
	switch evt.Type {
	case pipeline.EventSegmentInfo:
		fmt.Printf("  split into %d chunks\n", evt.Total)
	case pipeline.EventChunkDone, pipeline.EventChunkFailed:
		if evt.Chunk == nil {
			return
		}
		state := "done"
		if evt.Type == pipeline.EventChunkFailed {
			state = "failed: " + evt.Chunk.Error
		}
		fmt.Printf("  [%d/%d] chunk %d %s (attempts %d)\n", evt.Completed, evt.Total, evt.Chunk.Index, state, evt.Chunk.Attempts)
	default:
		if evt.Type.Terminal() {
			fmt.Printf("  %s", evt.Status)
			if evt.Reason != "" {
				fmt.Printf(": %s", evt.Reason)
			}
			if evt.DurationSeconds > 0 {
				fmt.Printf(" (%.2fs audio)", evt.DurationSeconds)
			}
			fmt.Println()
		}
	}
}

func failedList(failed []pipeline.ChunkFailure) string {
	parts := make([]string, 0, len(failed))
	for _, f := range failed {
		parts = append(parts, fmt.Sprintf("%d", f.Index))
	}
	return strings.Join(parts, ", ")
}
