package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/itsneelabh/geomind/artifact"
)

var nameAt string

// nameCmd prints the artifact name an output id would get
var nameCmd = &cobra.Command{
	Use:   "name [output-id]",
	Short: "Print the artifact name for an output id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ts := time.Now()
		if nameAt != "" {
			var err error
			if ts, err = time.Parse(time.RFC3339, nameAt); err != nil {
				return fmt.Errorf("--at: %w", err)
			}
		}
		fmt.Fprintln(cmd.OutOrStdout(), artifact.Name(cfg.Naming.Prefix, args[0], ts))
		return nil
	},
}

func init() {
	nameCmd.Flags().StringVar(&nameAt, "at", "", "timestamp (RFC 3339) instead of now")
}
