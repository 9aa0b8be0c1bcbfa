// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/rblakemesser/dbslice/pkg/neuter"
)

func neuterOnlyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "neuter-only [TABLE]",
		Short: "Apply the plan's redaction rules to the destination schema",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithEnvelope(cmd, args, func(ctx context.Context) (interface{}, error) {
				e, err := NewEngine(ctx)
				if err != nil {
					return nil, err
				}
				defer e.Close()

				onlyTable := ""
				if len(args) == 1 {
					onlyTable = args[0]
				}
				changed, err := neuter.Apply(ctx, e.Conn(), e.Pool(), e.Plan(), onlyTable)
				if err != nil {
					return nil, err
				}
				result := "neuter_skipped"
				if changed {
					result = "neuter_applied"
				}
				return map[string]interface{}{"result": result, "changed": changed}, nil
			})
		},
	}
}

func preMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pre-migrate",
		Short: "Truncate configured targets and run the plan's raw SQL statements",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithEnvelope(cmd, args, func(ctx context.Context) (interface{}, error) {
				e, err := NewEngine(ctx)
				if err != nil {
					return nil, err
				}
				defer e.Close()

				return e.PreMigrate(ctx)
			})
		},
	}
}
