package main

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/viant/afs"

	"github.com/rendis/voike/internal/diagram"
	"github.com/rendis/voike/internal/flow"
	"github.com/rendis/voike/internal/logging"
	"github.com/rendis/voike/internal/parser"
	"github.com/rendis/voike/pkg/schema"
)

func newParseCmd() *cobra.Command {
	var strict, asJSON bool
	cmd := &cobra.Command{
		Use:   "parse FILE",
		Short: "Parse a FLOW source and report errors and warnings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := readSource(cmd.Context(), afs.New(), args[0])
			if err != nil {
				return err
			}
			res := parser.Parse(string(src), parser.Options{Strict: strict})
			if asJSON {
				if err := printJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
			} else {
				printDiagnostics(cmd.ErrOrStderr(), res)
				if res.OK {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %d steps, %d inputs\n",
						args[0], len(res.AST.Steps), len(res.AST.Inputs))
				}
			}
			if !res.OK {
				return fmt.Errorf("%s: %d errors", args[0], len(res.Errors))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "treat warnings as errors")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the parse result as JSON")
	return cmd
}

func printDiagnostics(w io.Writer, res *parser.ParseResult) {
	warn := color.New(color.FgYellow)
	fail := color.New(color.FgRed, color.Bold)
	for _, msg := range res.Warnings {
		warn.Fprintf(w, "warning: %s\n", msg)
	}
	for _, msg := range res.Errors {
		fail.Fprintf(w, "error: %s\n", msg)
	}
}

// compile parses and plans a source with a throwaway service.
func compile(ctx context.Context, cfg *Config, location string) (*schema.Plan, error) {
	src, err := readSource(ctx, afs.New(), location)
	if err != nil {
		return nil, err
	}
	svc, err := flow.New(flow.Config{Logger: logging.New(io.Discard, cfg.LogLevel, false)})
	if err != nil {
		return nil, err
	}
	return svc.Plan(ctx, cfg.ProjectID, string(src))
}

func newPlanCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "plan FILE",
		Short: "Compile a FLOW source and print the plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := compile(cmd.Context(), cfg, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), plan)
		},
	}
}

func newRunCmd(cfg *Config) *cobra.Command {
	var (
		inputs []string
		mode   string
	)
	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Compile and execute a FLOW source",
		Long: `Compile and execute a FLOW source.

Inputs are name=value pairs. A value starting with @ is read from that
location; JSON literals are decoded; anything else is passed as text:

  voike run sales.flow --input sales_csv=@sales.csv --input floor=50`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			execMode, err := schema.ParseExecMode(mode)
			if err != nil {
				return err
			}

			a, err := newApp(ctx, *cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			src, err := readSource(ctx, a.fs, args[0])
			if err != nil {
				return err
			}
			in, err := parseInputs(ctx, a.fs, inputs)
			if err != nil {
				return err
			}
			plan, err := a.flow.Plan(ctx, cfg.ProjectID, string(src))
			if err != nil {
				return err
			}

			runID := uuid.New().String()
			ctx = logging.WithIDs(ctx, cfg.ProjectID, plan.ID, runID)
			res, err := a.flow.ExecuteRun(ctx, runID, plan.ID, cfg.ProjectID, in, execMode)
			if err != nil {
				return err
			}
			if res.Mode != schema.ModeAsync {
				return printJSON(cmd.OutOrStdout(), res)
			}

			a.queue.Wait()
			job, ok := a.queue.Job(runID)
			if !ok {
				return fmt.Errorf("job for run %s was not queued", runID)
			}
			if err := printJSON(cmd.OutOrStdout(), job); err != nil {
				return err
			}
			if job.Error != "" {
				return fmt.Errorf("job %s failed: %s", job.Ticket.JobID, job.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "plan input as name=value (repeatable)")
	cmd.Flags().StringVar(&mode, "mode", "auto", "execution mode: auto, sync or async")
	return cmd
}

func newDiagramCmd(cfg *Config) *cobra.Command {
	var format, out string
	cmd := &cobra.Command{
		Use:   "diagram FILE",
		Short: "Render a FLOW plan as mermaid, ascii, png, svg or dot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			f, err := diagram.ParseFormat(format)
			if err != nil {
				return err
			}
			if f.Binary() && out == "" {
				return fmt.Errorf("%s output needs --out", f)
			}

			plan, err := compile(ctx, cfg, args[0])
			if err != nil {
				return err
			}
			model, err := diagram.Build(plan, nil)
			if err != nil {
				return err
			}
			data, err := diagram.Render(ctx, model, f, cfg.DiagramBinDir)
			if err != nil {
				return err
			}
			if out == "" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return afs.New().Upload(ctx, normalizeLocation(out), 0o644, bytes.NewReader(data))
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "mermaid", "mermaid, ascii, png, svg or dot")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write to this location instead of stdout")
	return cmd
}
