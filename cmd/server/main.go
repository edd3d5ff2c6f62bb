// Package main is the omni-inbox entry point
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"omni-inbox/internal/adapters/handler"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "omni-inbox",
	Short: "Multi-tenant LINE and Facebook customer inbox",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), false)
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("omni-inbox %s\n", handler.Version)
		},
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
