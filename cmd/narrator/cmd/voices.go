package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var voicesCmd = &cobra.Command{
	Use:   "voices",
	Short: "List preset voices and the active model",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		c, err := connect(ctx)
		if err != nil {
			return err
		}
		voices, err := c.Voices(ctx)
		if err != nil {
			return err
		}
		models, err := c.Models(ctx)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tGENDER\tACCENT")
		for _, v := range voices {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", v.ID, v.Name, v.Gender, v.Accent)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Println()
		for _, m := range models {
			cloning := "no"
			if m.Cloning {
				cloning = "yes"
			}
			fmt.Printf("model %s (%s), voice cloning: %s\n", m.ID, m.Name, cloning)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(voicesCmd)
}
