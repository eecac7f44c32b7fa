package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/itsneelabh/geomind/orchestration"
)

var (
	turnsFile string
	dryRun    bool
)

// sessionCmd replays recorded drafting turns through the clarification loop
var sessionCmd = &cobra.Command{
	Use:   "session [request]",
	Short: "Drive the clarification loop with recorded drafting turns",
	Long: `Replays drafter replies from a JSON Lines file (one reply per line) through
the clarification loop. Open questions are printed and answers are read
from stdin, one line each. When the instruction is ready it is executed
unless --dry-run is set.

Example:
  geomind session --turns turns.jsonl "RGB image of Córdoba, January 2024"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSession,
}

func init() {
	sessionCmd.Flags().StringVarP(&turnsFile, "turns", "t", "", "JSON Lines file with one drafter reply per line")
	sessionCmd.Flags().BoolVar(&dryRun, "dry-run", false, "stop once the instruction is ready")
	_ = sessionCmd.MarkFlagRequired("turns")
}

func runSession(cmd *cobra.Command, args []string) error {
	turns, err := readTurns(turnsFile)
	if err != nil {
		return err
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()

	var runner orchestration.Runner
	if !dryRun {
		p, err := buildPipeline(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer p.Close()
		runner = p.orchestrator
	}

	input := newPromptInput(cmd.InOrStdin(), cmd.OutOrStdout())
	defer input.Close()
	controller := orchestration.NewController(&recordedDrafter{turns: turns}, input, runner, cfg.Clarification, logger)

	s, err := controller.Run(ctx, strings.Join(args, " "))
	out := cmd.OutOrStdout()
	if s != nil {
		fmt.Fprintf(out, "session %s: %d question round(s), %d repair(s)\n", s.ID, s.Iterations, s.Repairs)
		if s.Report != nil {
			fmt.Fprint(out, s.Report.Summary())
		}
	}
	return err
}

func readTurns(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var turns []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			turns = append(turns, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(turns) == 0 {
		return nil, fmt.Errorf("%s: no drafting turns", path)
	}
	return turns, nil
}

// recordedDrafter replays turns in order and fails once they run out.
type recordedDrafter struct {
	turns []string
	next  int
}

func (d *recordedDrafter) Draft(ctx context.Context, req orchestration.DraftRequest) (string, error) {
	if d.next >= len(d.turns) {
		return "", fmt.Errorf("no recorded turn left (repair requested: %q)", req.Repair)
	}
	t := d.turns[d.next]
	d.next++
	return t, nil
}

// promptInput prints questions and reads one answer line. A single reader
// goroutine owns the scanner, so an abandoned Ask never leaves a second
// reader behind and its line goes to the next Ask.
type promptInput struct {
	out   io.Writer
	lines chan inputLine
	done  chan struct{}
	once  sync.Once
}

type inputLine struct {
	text string
	err  error
}

func newPromptInput(in io.Reader, out io.Writer) *promptInput {
	p := &promptInput{out: out, lines: make(chan inputLine), done: make(chan struct{})}
	go p.read(bufio.NewScanner(in))
	return p
}

func (p *promptInput) read(sc *bufio.Scanner) {
	defer close(p.lines)
	for sc.Scan() {
		select {
		case p.lines <- inputLine{text: sc.Text()}:
		case <-p.done:
			return
		}
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	select {
	case p.lines <- inputLine{err: err}:
	case <-p.done:
	}
}

// Close stops delivering lines. A read already blocked on the underlying
// reader returns when that reader does.
func (p *promptInput) Close() {
	p.once.Do(func() { close(p.done) })
}

func (p *promptInput) Ask(ctx context.Context, questions []string) (string, error) {
	fmt.Fprintln(p.out, "Open questions:")
	for _, q := range questions {
		fmt.Fprintf(p.out, "  - %s\n", q)
	}
	fmt.Fprint(p.out, "> ")

	select {
	case l, ok := <-p.lines:
		if !ok {
			return "", io.EOF
		}
		if l.err != nil {
			return "", l.err
		}
		return l.text, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
