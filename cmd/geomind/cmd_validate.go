package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/itsneelabh/geomind/instruction"
)

var envelopeFile string

// validateCmd checks an envelope without executing it
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate an instruction envelope",
	Long: `Runs the instruction validator on an envelope and prints either the
normalized parameters of every action or the questions that remain open.`,
	RunE: validateEnvelope,
}

func init() {
	validateCmd.Flags().StringVarP(&envelopeFile, "file", "f", "", "envelope JSON file")
	_ = validateCmd.MarkFlagRequired("file")
}

func validateEnvelope(cmd *cobra.Command, args []string) error {
	env, err := readEnvelope(envelopeFile)
	if err != nil {
		return err
	}
	outcome, err := instruction.Validate(env)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch o := outcome.(type) {
	case instruction.Ready:
		fmt.Fprintf(out, "Ready: %d action(s)\n", len(o.Instruction.Actions))
		for i, act := range o.Instruction.Actions {
			fmt.Fprintf(out, "  %s (%s): %v\n", act.OutputID, act.GeoprocessName, o.Params[i].Dispatch())
		}
	case instruction.NeedsClarification:
		printQuestions(cmd, o.Questions)
	}
	return nil
}
