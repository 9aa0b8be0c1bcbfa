// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/rblakemesser/dbslice/pkg/reconcile"
)

func migrateSequencesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate-sequences",
		Short: "Mirror sequences from source to destination",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithEnvelope(cmd, args, func(ctx context.Context) (interface{}, error) {
				e, err := NewEngine(ctx)
				if err != nil {
					return nil, err
				}
				defer e.Close()
				plan := e.Plan()

				counts, err := reconcile.ReconcileSequences(ctx, e.Conn(), plan.SourceSchema, plan.DestSchema, true)
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{"sequences": counts}, nil
			})
		},
	}
}

func migrateFunctionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate-functions",
		Short: "Mirror stored routines from source to destination",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithEnvelope(cmd, args, func(ctx context.Context) (interface{}, error) {
				e, err := NewEngine(ctx)
				if err != nil {
					return nil, err
				}
				defer e.Close()
				plan := e.Plan()

				counts, err := reconcile.MigrateFunctions(ctx, e.Conn(), plan.SourceSchema, plan.DestSchema, plan.Reconcile.StrictObjects)
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{"functions": counts}, nil
			})
		},
	}
}

func migrateTriggersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate-triggers [TABLE]",
		Short: "Mirror triggers from source to destination",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithEnvelope(cmd, args, func(ctx context.Context) (interface{}, error) {
				e, err := NewEngine(ctx)
				if err != nil {
					return nil, err
				}
				defer e.Close()
				plan := e.Plan()

				var counts *reconcile.TriggerCounts
				if len(args) == 1 {
					counts, err = reconcile.ReconcileTableTriggers(ctx, e.Conn(), plan.SourceSchema, plan.DestSchema, args[0], plan.Reconcile.StrictObjects)
				} else {
					counts, err = reconcile.ReconcileAllTriggers(ctx, e.Conn(), plan.SourceSchema, plan.DestSchema, plan.Reconcile.StrictObjects)
				}
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{"triggers": counts}, nil
			})
		},
	}
}

func migrateIndexesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate-indexes [TABLE]",
		Short: "Mirror non-PK indexes from source to destination",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithEnvelope(cmd, args, func(ctx context.Context) (interface{}, error) {
				e, err := NewEngine(ctx)
				if err != nil {
					return nil, err
				}
				defer e.Close()
				plan := e.Plan()

				var counts *reconcile.IndexCounts
				if len(args) == 1 {
					counts, err = reconcile.ReconcileTableIndexes(ctx, e.Conn(), plan.SourceSchema, plan.DestSchema, args[0])
				} else {
					counts, err = reconcile.ReconcileAllIndexes(ctx, e.Conn(), plan.SourceSchema, plan.DestSchema)
				}
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{"indexes": counts}, nil
			})
		},
	}
}

func migrateConstraintsCmd() *cobra.Command {
	var skipValidateFK bool
	var validateParallel int

	cmd := &cobra.Command{
		Use:   "migrate-constraints [TABLE]",
		Short: "Mirror constraints from source to destination and validate foreign keys",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithEnvelope(cmd, args, func(ctx context.Context) (interface{}, error) {
				e, err := NewEngine(ctx)
				if err != nil {
					return nil, err
				}
				defer e.Close()
				plan := e.Plan()

				opts := reconcile.ConstraintOptions{
					SkipValidateFKs:  skipValidateFK,
					ValidateParallel: validateParallel,
				}
				if len(args) == 1 {
					opts.OnlyTables = args
					opts.ValidateFKTables = args
				}
				counts, err := reconcile.MirrorConstraints(ctx, e.Conn(), e.Pool(), plan.SourceSchema, plan.DestSchema, opts)
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{"constraints": counts}, nil
			})
		},
	}

	cmd.Flags().BoolVar(&skipValidateFK, "skip-validate-fk", false, "leave foreign keys NOT VALID")
	cmd.Flags().IntVar(&validateParallel, "validate-parallel", 0, "bound on concurrent FK validations")

	return cmd
}
