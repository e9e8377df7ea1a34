// setup.go wires the deploy pipeline: AWS clients, the converge driver, the
// artifact builder, secrets, and policy, all from parsed options.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/fatih/color"
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/example/depctl/internal/build"
	"github.com/example/depctl/internal/config"
	"github.com/example/depctl/internal/converge"
	"github.com/example/depctl/internal/policy"
	"github.com/example/depctl/internal/secretstore"
	"github.com/example/depctl/internal/stack"
)

func loadPlan(opts *config.Options) (*stack.Plan, error) {
	defs, err := stack.Load(stack.LoadOptions{Path: opts.File, Profile: opts.Profile})
	if err != nil {
		return nil, err
	}
	return stack.Resolve(defs)
}

func newCloudFormationAPI(ctx context.Context, opts *config.Options) (converge.API, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if region := strings.TrimSpace(opts.Region); region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return cloudformation.NewFromConfig(cfg), nil
}

// perStackDriver builds a converge driver per stack so the file's per-stack
// timeout and poll interval are honored. Flag values win over file values.
type perStackDriver struct {
	api     converge.API
	log     logr.Logger
	timeout time.Duration
	poll    time.Duration
}

func (d *perStackDriver) driverFor(def *stack.Definition) *converge.Driver {
	o := converge.DriverOptions{Logger: d.log, MaxWait: d.timeout, PollInterval: d.poll}
	if o.MaxWait == 0 && def.Converge.Timeout != nil {
		o.MaxWait = *def.Converge.Timeout
	}
	if o.PollInterval == 0 && def.Converge.PollInterval != nil {
		o.PollInterval = *def.Converge.PollInterval
	}
	return converge.NewDriver(d.api, o)
}

func (d *perStackDriver) Converge(ctx context.Context, def *stack.Definition, params map[string]string) (*converge.Result, error) {
	return d.driverFor(def).Converge(ctx, def, params)
}

func newDriver(ctx context.Context, opts *config.Options, log logr.Logger) (*perStackDriver, error) {
	api, err := newCloudFormationAPI(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &perStackDriver{api: api, log: log, timeout: opts.Timeout, poll: opts.PollInterval}, nil
}

func newArtifactBuilder(opts *config.Options, log logr.Logger) *build.Builder {
	return build.New(build.Options{
		Logger: log,
		Output: os.Stderr,
		Region: opts.Region,
	})
}

func newSecretProvider(opts *config.Options) (secretstore.Provider, error) {
	return secretstore.New(secretstore.Config{
		Backend:        opts.SecretBackend,
		Address:        opts.VaultAddress,
		Namespace:      opts.VaultNamespace,
		Mount:          opts.VaultMount,
		KVVersion:      opts.VaultKVVersion,
		AuthMethod:     opts.VaultAuthMethod,
		AuthMount:      opts.VaultAuthMount,
		Token:          opts.VaultToken,
		RoleID:         opts.VaultRoleID,
		SecretID:       opts.VaultSecretID,
		AWSRole:        opts.VaultAWSRole,
		AWSRegion:      opts.Region,
		AWSHeaderValue: opts.VaultAWSHeader,
	})
}

func loadPolicyBundle(ctx context.Context, opts *config.Options) (*policy.Bundle, policy.Mode, error) {
	mode := policy.ModeEnforce
	if opts.PolicyMode == "warn" {
		mode = policy.ModeWarn
	}
	if strings.TrimSpace(opts.PolicyRef) == "" {
		return policy.DefaultBundle(), mode, nil
	}
	bundle, err := policy.LoadBundle(ctx, opts.PolicyRef)
	if err != nil {
		return nil, "", fmt.Errorf("load policy bundle: %w", err)
	}
	return bundle, mode, nil
}

func runRoot(opts *config.Options) string {
	return filepath.Dir(opts.File)
}

func printPlan(cmd *cobra.Command, p *stack.Plan) {
	bold := color.New(color.Bold)
	fmt.Fprintf(cmd.OutOrStdout(), "%s\n", bold.Sprintf("Deployment order (%d stacks):", len(p.Stacks)))
	for i, def := range p.Stacks {
		line := fmt.Sprintf("  %d. %s", i+1, def.Name)
		if deps := p.Graph.Deps(def.Name); len(deps) > 0 {
			line += fmt.Sprintf("  (after %s)", strings.Join(deps, ", "))
		}
		if def.Build != nil {
			line += fmt.Sprintf("  [build %s]", def.Build.Repository)
		}
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}
}

// confirm prompts before mutating remote state unless --auto-approve is set.
func confirm(cmd *cobra.Command, opts *config.Options, p *stack.Plan) error {
	if opts.AutoApprove {
		return nil
	}
	if opts.NonInteractive {
		return fmt.Errorf("refusing to deploy without confirmation; pass --auto-approve with --non-interactive")
	}
	printPlan(cmd, p)
	fmt.Fprintf(cmd.ErrOrStderr(), "Deploy %d stacks? [y/N]: ", len(p.Stacks))
	reader := bufio.NewReader(cmd.InOrStdin())
	answer, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("read confirmation: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return nil
	default:
		return fmt.Errorf("deployment aborted")
	}
}
