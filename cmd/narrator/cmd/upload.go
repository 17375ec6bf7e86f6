package cmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	uploadFormat  string
	uploadRefText string
)

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Register a reference clip for voice cloning",
	Long: `Uploads a short recording of the target voice. The printed id is passed
to "narrator synth --ref" to speak in that voice.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := connect(ctx)
		if err != nil {
			return err
		}
		ref, err := c.UploadReference(ctx, args[0], uploadFormat, uploadRefText)
		if err != nil {
			return err
		}
		fmt.Printf("reference %s\n", ref.ID)
		fmt.Printf("  format:   %s, %d Hz, %d ch\n", ref.Format, ref.SampleRate, ref.Channels)
		fmt.Printf("  duration: %.2fs (%s)\n", ref.DurationSeconds, humanize.Bytes(uint64(ref.SizeBytes)))
		if !ref.ExpiresAt.IsZero() {
			fmt.Printf("  expires:  %s\n", humanize.Time(ref.ExpiresAt))
		}
		if ref.RefText != "" {
			fmt.Printf("  text:     %q\n", ref.RefText)
		}
		return nil
	},
}

func init() {
	uploadCmd.Flags().StringVar(&uploadFormat, "format", "", "Clip format (wav, pcm, ulaw, alaw); inferred from the file name when empty")
	uploadCmd.Flags().StringVar(&uploadRefText, "ref-text", "", "Transcript of the clip")
	rootCmd.AddCommand(uploadCmd)
}
