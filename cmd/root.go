// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rblakemesser/dbslice/cmd/flags"
	"github.com/rblakemesser/dbslice/pkg/config"
	"github.com/rblakemesser/dbslice/pkg/slice"
)

// Version is the dbslice version
var Version = "development"

func init() {
	viper.SetEnvPrefix("DBSLICE")
	viper.AutomaticEnv()

	// DATABASE_URL and DBSLICE_CONFIG are read unprefixed for parity with
	// the deployment environment.
	viper.BindEnv("DATABASE_URL", "DATABASE_URL")
	viper.BindEnv("CONFIG", "DBSLICE_CONFIG")

	flags.ConnectionFlags(rootCmd)
}

var rootCmd = &cobra.Command{
	Use:          "dbslice",
	Short:        "Build a consistent, size-reduced replica of a Postgres database",
	SilenceUsage: true,
	Version:      Version,
}

// loadPlan reads the YAML plan from --config or DBSLICE_CONFIG.
func loadPlan() (*config.Plan, error) {
	path := flags.ConfigPath()
	if path == "" {
		return nil, fmt.Errorf("--config is required (or set DBSLICE_CONFIG)")
	}
	return config.Load(path)
}

// NewEngine loads the plan and connects an engine for it.
func NewEngine(ctx context.Context) (*slice.Engine, error) {
	plan, err := loadPlan()
	if err != nil {
		return nil, err
	}
	url := flags.DatabaseURL()
	if url == "" {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}

	var opts []slice.Option
	if n := flags.FanoutParallel(); n > 0 {
		opts = append(opts, slice.WithFanoutParallel(n))
	}
	if ms := flags.StatementTimeout(); ms > 0 {
		opts = append(opts, slice.WithStatementTimeoutMs(ms))
	}
	return slice.New(ctx, url, plan, opts...)
}

// Execute executes the root command.
func Execute() error {
	rootCmd.AddCommand(checkConnectionCmd())
	rootCmd.AddCommand(auditTablesCmd())
	rootCmd.AddCommand(auditSequencesCmd())
	rootCmd.AddCommand(precopyOnlyCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(migrateTablesCmd())
	rootCmd.AddCommand(migrateSequencesCmd())
	rootCmd.AddCommand(migrateFunctionsCmd())
	rootCmd.AddCommand(migrateTriggersCmd())
	rootCmd.AddCommand(migrateIndexesCmd())
	rootCmd.AddCommand(migrateConstraintsCmd())
	rootCmd.AddCommand(neuterOnlyCmd())
	rootCmd.AddCommand(preMigrateCmd())
	rootCmd.AddCommand(resetCmd())
	rootCmd.AddCommand(swapCmd())
	rootCmd.AddCommand(unswapCmd())

	return rootCmd.Execute()
}
