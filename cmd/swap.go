// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rblakemesser/dbslice/cmd/flags"
	"github.com/rblakemesser/dbslice/pkg/db"
	"github.com/rblakemesser/dbslice/pkg/promote"
)

// openRDB connects without loading table groups; swap and unswap only need
// the plan for schema names.
func openRDB(ctx context.Context) (*db.RDB, string, error) {
	plan, err := loadPlan()
	if err != nil {
		return nil, "", err
	}
	url := flags.DatabaseURL()
	if url == "" {
		return nil, "", fmt.Errorf("DATABASE_URL is not set")
	}
	conn, err := db.Open(ctx, url)
	if err != nil {
		return nil, "", err
	}
	return &db.RDB{DB: conn}, plan.DestSchema, nil
}

func swapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "swap",
		Short: "Promote the destination schema into public, parking public as old",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithEnvelope(cmd, args, func(ctx context.Context) (interface{}, error) {
				conn, destSchema, err := openRDB(ctx)
				if err != nil {
					return nil, err
				}
				defer conn.Close()

				if err := promote.Swap(ctx, conn, destSchema, promote.DefaultOldSchema); err != nil {
					return nil, err
				}
				return map[string]string{
					"result":  "swapped",
					"message": fmt.Sprintf("public->%s, %s->public", promote.DefaultOldSchema, destSchema),
				}, nil
			})
		},
	}
}

func unswapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unswap",
		Short: "Undo a swap: public returns to the destination schema, old becomes public",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithEnvelope(cmd, args, func(ctx context.Context) (interface{}, error) {
				conn, destSchema, err := openRDB(ctx)
				if err != nil {
					return nil, err
				}
				defer conn.Close()

				if err := promote.Unswap(ctx, conn, destSchema, promote.DefaultOldSchema); err != nil {
					return nil, err
				}
				return map[string]string{
					"result":  "unswapped",
					"message": fmt.Sprintf("public->%s, %s->public", destSchema, promote.DefaultOldSchema),
				}, nil
			})
		},
	}
}
