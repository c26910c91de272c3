package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Create or extend the journal tables",
	Long: `Ensure the entries and attachments tables exist with every declared
column. Missing tables and columns are created; existing columns are never
changed. Columns whose remote type differs from the declared one are
reported as warnings.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := setup(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		j, err := a.ensureSchema(ctx)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "backend:     %s\n", a.adapter.Name())
		fmt.Fprintf(out, "entries:     %s (%s)\n", j.Entries.Name, j.Entries.WriteID)
		fmt.Fprintf(out, "attachments: %s (%s)\n", j.Attachments.Name, j.Attachments.WriteID)
		for _, w := range j.Warnings {
			fmt.Fprintf(out, "warning:     %s\n", w)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(schemaCmd)
}
