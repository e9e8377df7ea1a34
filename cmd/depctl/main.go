// main.go bootstraps depctl: it builds the root Cobra command, wires viper
// env/config binding, and executes with a signal-aware context.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/example/depctl/internal/build"
	"github.com/example/depctl/internal/converge"
	"github.com/example/depctl/internal/logging"
	"github.com/example/depctl/internal/stack"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rootCmd := newRootCommand()
	err := rootCmd.ExecuteContext(ctx)
	handleError(err)
	if err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	logLevel := "info"
	cmd := &cobra.Command{
		Use:           "depctl",
		Short:         "Dependency-ordered CloudFormation stack deployments",
		Long:          "depctl builds container artifacts and converges CloudFormation stacks in dependency order, feeding stack outputs forward as parameters.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", logLevel, "Log level: debug, info, warn, or error")

	deployCmd := newDeployCommand(&logLevel)
	planCmd := newPlanCommand()
	buildCmd := newBuildCommand(&logLevel)
	diffCmd := newDiffCommand(&logLevel)
	statusCmd := newStatusCommand(&logLevel)
	outputsCmd := newOutputsCommand(&logLevel)
	runsCmd := newRunsCommand()
	cmd.AddCommand(
		deployCmd,
		planCmd,
		buildCmd,
		diffCmd,
		statusCmd,
		outputsCmd,
		runsCmd,
		newRetagCommand(),
		newVersionCommand(),
	)
	cmd.Example = `  # Deploy every stack in dependency order
  depctl deploy --file deploy.yaml --profile prod

  # Show the resolved order without touching anything remote
  depctl plan

  # Diff local templates against what is deployed
  depctl diff`
	bindViper(deployCmd, planCmd, buildCmd, diffCmd, statusCmd, outputsCmd, runsCmd)
	return cmd
}

func bindViper(commands ...*cobra.Command) {
	if len(commands) == 0 {
		return
	}
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.SetEnvPrefix("DEPCTL")
	v.AutomaticEnv()
	configFile := os.Getenv("DEPCTL_CONFIG")
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		if home, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(home + "/depctl")
		}
	}

	cobra.OnInitialize(func() {
		for _, cmd := range commands {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				cobra.CheckErr(err)
			}
		}
		if err := v.ReadInConfig(); err != nil {
			var cfgErr viper.ConfigFileNotFoundError
			if !errors.As(err, &cfgErr) || configFile != "" {
				cobra.CheckErr(err)
			}
		}
		for _, cmd := range commands {
			cmd.Flags().VisitAll(func(f *pflag.Flag) {
				if f.Changed {
					return
				}
				if !v.IsSet(f.Name) {
					return
				}
				val := fmt.Sprintf("%v", v.Get(f.Name))
				if val != "" {
					_ = f.Value.Set(val)
				}
			})
		}
	})
}

func handleError(err error) {
	if err == nil || errors.Is(err, pflag.ErrHelp) {
		return
	}
	message := err.Error()
	var cycleErr *stack.CycleError
	var timeoutErr *converge.TimeoutError
	var buildErr *build.BuildError
	switch {
	case errors.As(err, &cycleErr):
		message = fmt.Sprintf("%s\nHint: remove one of the dependsOn edges or output references in the cycle.", err)
	case errors.As(err, &timeoutErr):
		message = fmt.Sprintf("%s\nHint: the stack may still be converging remotely. Check its status and re-run; re-runs are idempotent.", err)
	case errors.As(err, &buildErr):
		if tail := buildErr.Diagnostics; tail != "" {
			message = fmt.Sprintf("%s\n--- build output tail ---\n%s", err, tail)
		}
	case converge.IsCancelled(err):
		message = fmt.Sprintf("%s\nNote: the in-flight stack keeps converging remotely; a later run picks up from its terminal state.", err)
	}
	fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("Error:"), message)
}

func newLogger(level *string) (logr.Logger, error) {
	lvl := "info"
	if level != nil && *level != "" {
		lvl = *level
	}
	return logging.New(lvl)
}
