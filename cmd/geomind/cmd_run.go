package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/itsneelabh/geomind/instruction"
)

var instructionFile string

// runCmd executes a complete instruction
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a complete instruction",
	Long: `Reads an instruction (or a complete envelope) from a JSON file, validates
it and executes every action in order against the configured backend.

Example:
  geomind run --file instruction.json --plugin synthetic`,
	RunE: runInstruction,
}

func init() {
	runCmd.Flags().StringVarP(&instructionFile, "file", "f", "", "instruction or envelope JSON file")
	_ = runCmd.MarkFlagRequired("file")
}

func runInstruction(cmd *cobra.Command, args []string) error {
	env, err := readEnvelope(instructionFile)
	if err != nil {
		return err
	}
	outcome, err := instruction.Validate(env)
	if err != nil {
		return err
	}
	ready, ok := outcome.(instruction.Ready)
	if !ok {
		printQuestions(cmd, outcome.(instruction.NeedsClarification).Questions)
		return fmt.Errorf("instruction is not executable yet")
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()

	p, err := buildPipeline(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	report, err := p.orchestrator.Run(ctx, ready.Instruction)
	if report != nil {
		fmt.Fprint(cmd.OutOrStdout(), report.Summary())
	}
	if err != nil {
		return err
	}
	if n := len(report.Failed()); n > 0 {
		return fmt.Errorf("%d of %d actions failed", n, len(report.Outcomes))
	}
	return nil
}

// readEnvelope accepts an envelope {json, complete, questions} or a bare
// instruction, which is treated as complete.
func readEnvelope(path string) (*instruction.Envelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if _, ok := top["json"]; ok {
		return instruction.ParseEnvelope(data)
	}
	wrapped, err := json.Marshal(map[string]interface{}{
		"json":      json.RawMessage(data),
		"complete":  true,
		"questions": []string{},
	})
	if err != nil {
		return nil, err
	}
	return instruction.ParseEnvelope(wrapped)
}

func printQuestions(cmd *cobra.Command, questions []string) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Open questions:")
	for _, q := range questions {
		fmt.Fprintf(out, "  - %s\n", q)
	}
}
