package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/viant/afs"

	"github.com/rendis/voike/internal/validation"
	"github.com/rendis/voike/internal/vasm"
)

func newVASMCmd(cfg *Config) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "vasm",
		Short: "Assemble, check and run VASM programs",
	}
	cmd.PersistentFlags().StringVar(&format, "format", "", "asm, json or yaml (default: from extension, then sniffed)")

	load := func(ctx context.Context, location string) (*vasm.Program, error) {
		src, err := readSource(ctx, afs.New(), location)
		if err != nil {
			return nil, err
		}
		f := vasm.Format(format)
		if f == vasm.FormatAuto {
			f = vasm.FormatFromPath(location)
		}
		validator, err := validation.NewJSONSchemaValidator()
		if err != nil {
			return nil, err
		}
		return vasm.NewLoader(validator).Decode(src, f)
	}

	cmd.AddCommand(
		newVASMRunCmd(cfg, load),
		newVASMCheckCmd(load),
		newVASMFmtCmd(load),
	)
	return cmd
}

type programLoader func(ctx context.Context, location string) (*vasm.Program, error)

func newVASMRunCmd(cfg *Config, load programLoader) *cobra.Command {
	var (
		maxSteps  int
		showState bool
	)
	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Run a VASM program; PRINT output goes to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			program, err := load(ctx, args[0])
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("max-steps") {
				maxSteps = cfg.MaxSteps
			}

			a, err := newApp(ctx, *cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			vm, err := vasm.New(program,
				vasm.WithHost(a.hostBridge()),
				vasm.WithOutput(cmd.OutOrStdout()),
				vasm.WithLogger(a.logger),
				vasm.WithMaxSteps(maxSteps),
			)
			if err != nil {
				return err
			}
			runErr := vm.Run(ctx)
			if showState {
				if err := printJSON(cmd.ErrOrStderr(), vm.Snapshot()); err != nil {
					return err
				}
			}
			if runErr != nil {
				return fmt.Errorf("vm failed at pc %d: %w", vm.PC(), runErr)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&maxSteps, "max-steps", 0, "instruction budget, 0 for unlimited (default from config)")
	cmd.Flags().BoolVar(&showState, "state", false, "print the final machine state to stderr")
	return cmd
}

func newVASMCheckCmd(load programLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "check FILE",
		Short: "Lint a VASM program without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			program, err := load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			res := vasm.Lint(program)
			w := cmd.ErrOrStderr()
			for _, issue := range res.Warnings {
				color.New(color.FgYellow).Fprintf(w, "warning: %s\n", issue)
			}
			for _, issue := range res.Errors {
				color.New(color.FgRed, color.Bold).Fprintf(w, "error: %s\n", issue)
			}
			if err := res.Err(); err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d instructions ok\n", args[0], len(program.Instructions))
			return nil
		},
	}
}

func newVASMFmtCmd(load programLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "fmt FILE",
		Short: "Print a VASM program as canonical assembly",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			program, err := load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), vasm.Disassemble(program))
			return err
		},
	}
}
