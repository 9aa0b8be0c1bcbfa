// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/rblakemesser/dbslice/pkg/slice"
)

func migrateCmd() *cobra.Command {
	var restart bool
	var skipValidateFK bool
	var validateParallel int

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run the full pipeline: precopy, selections, table groups, redaction and reconciliation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithEnvelope(cmd, args, func(ctx context.Context) (interface{}, error) {
				e, err := NewEngine(ctx)
				if err != nil {
					return nil, err
				}
				defer e.Close()

				return e.Migrate(ctx, slice.MigrateOptions{
					Restart:          restart,
					SkipValidateFKs:  skipValidateFK,
					ValidateParallel: validateParallel,
				})
			})
		},
	}

	cmd.Flags().BoolVar(&restart, "restart", false, "reset the destination schema before migrating")
	cmd.Flags().BoolVar(&skipValidateFK, "skip-validate-fk", false, "leave foreign keys NOT VALID")
	cmd.Flags().IntVar(&validateParallel, "validate-parallel", 0, "bound on concurrent FK validations")

	return cmd
}

func precopyOnlyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "precopy-only",
		Short: "Run only the precopy stage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithEnvelope(cmd, args, func(ctx context.Context) (interface{}, error) {
				e, err := NewEngine(ctx)
				if err != nil {
					return nil, err
				}
				defer e.Close()

				return e.Precopy(ctx)
			})
		},
	}
}
