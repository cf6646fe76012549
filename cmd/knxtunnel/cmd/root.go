// Package cmd implements the knxtunnel command-line example.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "knxtunnel",
	Short: "Open a KNXnet/IP secure tunneling connection and print telegrams",
}

// Execute adds all child commands to the root command and runs it. It is
// called once by main.main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(tunnelCmd)
}
