// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/rblakemesser/dbslice/pkg/audit"
)

// perfectMatch is the sentinel a clean audit renders as.
var perfectMatch = map[string]string{"result": "perfect match"}

func auditTablesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit-tables [TABLE]",
		Short: "Report object gaps between the source and destination schemas",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithEnvelope(cmd, args, func(ctx context.Context) (interface{}, error) {
				e, err := NewEngine(ctx)
				if err != nil {
					return nil, err
				}
				defer e.Close()
				plan := e.Plan()

				if len(args) == 1 {
					report, err := audit.AuditTable(ctx, e.Conn(), args[0], plan.SourceSchema, plan.DestSchema)
					if err != nil {
						return nil, err
					}
					if report.Clean() {
						return perfectMatch, nil
					}
					return report, nil
				}

				reports, err := audit.AuditAllTables(ctx, e.Conn(), plan.SourceSchema, plan.DestSchema)
				if err != nil {
					return nil, err
				}
				if len(reports) == 0 {
					return perfectMatch, nil
				}
				return reports, nil
			})
		},
	}
}

func auditSequencesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit-sequences",
		Short: "Report sequence gaps between the source and destination schemas",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithEnvelope(cmd, args, func(ctx context.Context) (interface{}, error) {
				e, err := NewEngine(ctx)
				if err != nil {
					return nil, err
				}
				defer e.Close()
				plan := e.Plan()

				report, err := audit.AuditSequences(ctx, e.Conn(), plan.SourceSchema, plan.DestSchema)
				if err != nil {
					return nil, err
				}
				if report.Clean() {
					return perfectMatch, nil
				}
				return report, nil
			})
		},
	}
}
