package main

import (
	"encoding/json"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/example/depctl/internal/config"
	"github.com/example/depctl/internal/orchestrate"
)

func newDeployCommand(logLevel *string) *cobra.Command {
	opts := config.NewOptions()
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Build artifacts and converge all stacks in dependency order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.Validate(); err != nil {
				return err
			}
			log, err := newLogger(logLevel)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			p, err := loadPlan(opts)
			if err != nil {
				return err
			}
			if err := confirm(cmd, opts, p); err != nil {
				return err
			}

			driver, err := newDriver(ctx, opts, log)
			if err != nil {
				return err
			}
			secrets, err := newSecretProvider(opts)
			if err != nil {
				return err
			}
			bundle, mode, err := loadPolicyBundle(ctx, opts)
			if err != nil {
				return err
			}
			store, err := orchestrate.OpenStore(runRoot(opts), false)
			if err != nil {
				return err
			}
			defer store.Close()

			o, err := orchestrate.New(orchestrate.Options{
				Driver:           driver,
				Builder:          newArtifactBuilder(opts, log),
				Secrets:          secrets,
				PolicyBundle:     bundle,
				PolicyMode:       mode,
				PolicyReportDir:  opts.PolicyReportDir,
				Store:            store,
				Observers:        []orchestrate.RunEventObserver{newConsoleObserver(cmd)},
				BuildConcurrency: opts.BuildConcurrency,
				Root:             runRoot(opts),
				Profile:          opts.Profile,
				Logger:           log,
				Output:           cmd.ErrOrStderr(),
			})
			if err != nil {
				return err
			}

			res, runErr := o.Run(ctx, p)
			printRunResult(cmd, opts, res)
			return runErr
		},
	}
	opts.AddFlags(cmd)
	return cmd
}

func printRunResult(cmd *cobra.Command, opts *config.Options, res *orchestrate.Result) {
	if res == nil {
		return
	}
	if opts.OutputFormat == "json" {
		type attemptJSON struct {
			Stack   string            `json:"stack"`
			State   string            `json:"state"`
			NoOp    bool              `json:"noOp,omitempty"`
			Outputs map[string]string `json:"outputs,omitempty"`
			Error   string            `json:"error,omitempty"`
		}
		out := struct {
			RunID    string        `json:"runId"`
			Status   string        `json:"status"`
			Attempts []attemptJSON `json:"attempts"`
		}{RunID: res.RunID, Status: res.Status}
		for _, a := range res.Attempts {
			aj := attemptJSON{Stack: a.Stack, State: string(a.State), NoOp: a.NoOp, Outputs: a.Outputs}
			if a.Err != nil {
				aj.Error = a.Err.Error()
			}
			out.Attempts = append(out.Attempts, aj)
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
		return
	}

	fmt.Fprintln(cmd.OutOrStdout())
	switch res.Status {
	case "succeeded":
		fmt.Fprintf(cmd.OutOrStdout(), "%s run %s\n", color.GreenString("Succeeded:"), res.RunID)
	case "cancelled":
		fmt.Fprintf(cmd.OutOrStdout(), "%s run %s\n", color.YellowString("Cancelled:"), res.RunID)
	default:
		fmt.Fprintf(cmd.OutOrStdout(), "%s run %s\n", color.RedString("Failed:"), res.RunID)
	}
	for _, a := range res.Attempts {
		switch {
		case a.Err != nil:
			fmt.Fprintf(cmd.OutOrStdout(), "  %s %s: %v\n", color.RedString("✗"), a.Stack, a.Err)
		case a.NoOp:
			fmt.Fprintf(cmd.OutOrStdout(), "  %s %s (no changes)\n", color.GreenString("✓"), a.Stack)
		case a.State == "SUCCEEDED":
			fmt.Fprintf(cmd.OutOrStdout(), "  %s %s\n", color.GreenString("✓"), a.Stack)
		default:
			fmt.Fprintf(cmd.OutOrStdout(), "  %s %s (skipped)\n", color.YellowString("-"), a.Stack)
		}
	}
}

func newConsoleObserver(cmd *cobra.Command) orchestrate.RunEventObserver {
	return orchestrate.RunEventObserverFunc(func(ev orchestrate.RunEvent) {
		switch orchestrate.RunEventType(ev.Type) {
		case orchestrate.BuildStarted:
			fmt.Fprintf(cmd.ErrOrStderr(), "building %s (%s)\n", ev.Stack, ev.Message)
		case orchestrate.BuildSucceeded:
			fmt.Fprintf(cmd.ErrOrStderr(), "built %s -> %s\n", ev.Stack, ev.Message)
		case orchestrate.StackRunning:
			fmt.Fprintf(cmd.ErrOrStderr(), "converging %s\n", ev.Stack)
		case orchestrate.StackSucceeded:
			fmt.Fprintf(cmd.ErrOrStderr(), "converged %s\n", ev.Stack)
		case orchestrate.StackNoOp:
			fmt.Fprintf(cmd.ErrOrStderr(), "no changes for %s\n", ev.Stack)
		case orchestrate.StackFailed:
			msg := ""
			if ev.Error != nil {
				msg = ": " + ev.Error.Message
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "failed %s%s\n", ev.Stack, msg)
		case orchestrate.PolicyDenied:
			fmt.Fprintf(cmd.ErrOrStderr(), "policy denied %s: %s\n", ev.Stack, ev.Message)
		}
	})
}
