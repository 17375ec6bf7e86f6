package cmd

import (
	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a running job",
	Long: `Stops dispatching further chunks. A chunk already being synthesized
finishes first.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := connect(ctx)
		if err != nil {
			return err
		}
		job, err := c.Cancel(ctx, args[0])
		if err != nil {
			return err
		}
		printJob(job)
		return nil
	},
}

var (
	streamOutput   string
	streamDownload bool
)

var streamCmd = &cobra.Command{
	Use:   "stream <job-id>",
	Short: "Follow the progress of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := connect(ctx)
		if err != nil {
			return err
		}
		if err := c.Stream(ctx, args[0], printEvent); err != nil {
			return err
		}
		if !streamDownload && streamOutput == "" {
			return nil
		}
		return download(ctx, c, args[0], streamOutput)
	},
}

func init() {
	streamCmd.Flags().BoolVar(&streamDownload, "download", false, "Download the audio once the job ends")
	streamCmd.Flags().StringVarP(&streamOutput, "out", "o", "", "Output WAV path; implies --download")
	rootCmd.AddCommand(cancelCmd, streamCmd)
}
