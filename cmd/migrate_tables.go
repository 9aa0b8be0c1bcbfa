// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/rblakemesser/dbslice/pkg/ddl"
)

func migrateTablesCmd() *cobra.Command {
	var restart bool

	cmd := &cobra.Command{
		Use:   "migrate-tables [NAMES...]",
		Short: "Resolve selections and build the named table groups (all when none given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithEnvelope(cmd, args, func(ctx context.Context) (interface{}, error) {
				e, err := NewEngine(ctx)
				if err != nil {
					return nil, err
				}
				defer e.Close()

				if restart {
					if err := ddl.ResetSchema(ctx, e.Conn(), e.Plan().DestSchema); err != nil {
						return nil, err
					}
				}
				return e.MigrateTables(ctx, args)
			})
		},
	}

	cmd.Flags().BoolVar(&restart, "restart", false, "reset the destination schema before building")

	return cmd
}

func resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset NAMES...",
		Short: "Drop the named groups' destination, tmp and shard artifacts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithEnvelope(cmd, args, func(ctx context.Context) (interface{}, error) {
				e, err := NewEngine(ctx)
				if err != nil {
					return nil, err
				}
				defer e.Close()

				if err := e.ResetGroups(ctx, args); err != nil {
					return nil, err
				}
				return map[string]interface{}{"result": "reset", "table_groups": args}, nil
			})
		},
	}
}
