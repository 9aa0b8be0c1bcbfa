// SPDX-License-Identifier: Apache-2.0

package flags

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func DatabaseURL() string {
	return viper.GetString("DATABASE_URL")
}

func ConfigPath() string {
	return viper.GetString("CONFIG")
}

func FanoutParallel() int {
	return viper.GetInt("FANOUT_PARALLEL")
}

func ValidateParallel() int {
	return viper.GetInt("VALIDATE_PARALLEL")
}

func StatementTimeout() int {
	return viper.GetInt("STATEMENT_TIMEOUT")
}

func ConnectionFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("database-url", "", "Postgres URL of the database to slice")
	cmd.PersistentFlags().String("config", "", "Path to the YAML plan")
	cmd.PersistentFlags().Int("fanout-parallel", 8, "Bound on concurrent shard builds, inserts and precopy tasks")
	cmd.PersistentFlags().Int("statement-timeout", 0, "Postgres statement timeout in milliseconds (0 = unbounded)")

	viper.BindPFlag("DATABASE_URL", cmd.PersistentFlags().Lookup("database-url"))
	viper.BindPFlag("CONFIG", cmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("FANOUT_PARALLEL", cmd.PersistentFlags().Lookup("fanout-parallel"))
	viper.BindPFlag("STATEMENT_TIMEOUT", cmd.PersistentFlags().Lookup("statement-timeout"))
}
