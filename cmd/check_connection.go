// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/rblakemesser/dbslice/cmd/flags"
	"github.com/rblakemesser/dbslice/pkg/db"
)

func checkConnectionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-connection",
		Short: "Verify that DATABASE_URL is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			url := flags.DatabaseURL()
			if url == "" {
				pterm.Error.Println("DATABASE_URL is not set")
				os.Exit(2)
			}
			conn, err := db.Open(cmd.Context(), url)
			if err != nil {
				pterm.Error.Printfln("Connection failed: %v", err)
				os.Exit(1)
			}
			defer conn.Close()

			pterm.Success.Println("Connection OK")
			return nil
		},
	}
}
