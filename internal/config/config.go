// File: internal/config/config.go
// Brief: Flag plumbing and runtime options for depctl commands.

// Package config translates Cobra/Viper flag values into the strongly typed
// options struct the deploy pipeline consumes.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Options holds the CLI configuration shared by the deploy-family commands.
type Options struct {
	File    string
	Profile string
	Region  string

	AutoApprove    bool
	NonInteractive bool

	BuildConcurrency int

	Timeout      time.Duration
	PollInterval time.Duration

	PolicyRef       string
	PolicyMode      string
	PolicyReportDir string

	SecretBackend   string
	VaultAddress    string
	VaultNamespace  string
	VaultMount      string
	VaultKVVersion  int
	VaultAuthMethod string
	VaultAuthMount  string
	VaultToken      string
	VaultRoleID     string
	VaultSecretID   string
	VaultAWSRole    string
	VaultAWSHeader  string

	OutputFormat string
}

// NewOptions returns Options with defaults applied.
func NewOptions() *Options {
	return &Options{
		File:             "deploy.yaml",
		BuildConcurrency: 4,
		PolicyMode:       "enforce",
		SecretBackend:    "env",
		VaultKVVersion:   2,
		OutputFormat:     "text",
	}
}

// AddFlags binds configuration flags to the provided Cobra command.
func (o *Options) AddFlags(cmd *cobra.Command) {
	o.BindFlags(cmd.Flags())
}

// BindFlags attaches deploy flags to an arbitrary FlagSet and returns the
// bound flag names.
func (o *Options) BindFlags(fs *pflag.FlagSet) []string {
	var names []string
	add := func(name string) { names = append(names, name) }

	fs.StringVarP(&o.File, "file", "f", o.File, "Path to the deployment file")
	add("file")
	fs.StringVarP(&o.Profile, "profile", "p", o.Profile, "Profile to apply (defaults to the file's defaultProfile)")
	add("profile")
	fs.StringVar(&o.Region, "region", o.Region, "AWS region override for convergence and registry auth")
	add("region")
	fs.BoolVar(&o.AutoApprove, "auto-approve", o.AutoApprove, "Skip the interactive confirmation prompt")
	add("auto-approve")
	fs.BoolVar(&o.NonInteractive, "non-interactive", o.NonInteractive, "Fail instead of prompting (requires --auto-approve to proceed)")
	add("non-interactive")
	fs.IntVar(&o.BuildConcurrency, "build-concurrency", o.BuildConcurrency, "Maximum concurrent artifact builds")
	add("build-concurrency")
	fs.DurationVar(&o.Timeout, "timeout", o.Timeout, "Per-stack convergence timeout (0 uses the file or driver default)")
	add("timeout")
	fs.DurationVar(&o.PollInterval, "poll-interval", o.PollInterval, "Stack status poll interval (0 uses the driver default)")
	add("poll-interval")
	fs.StringVar(&o.PolicyRef, "policy", o.PolicyRef, "Policy bundle: directory, tarball, or URL")
	add("policy")
	fs.StringVar(&o.PolicyMode, "policy-mode", o.PolicyMode, "Policy mode: enforce or warn")
	add("policy-mode")
	fs.StringVar(&o.PolicyReportDir, "policy-report", o.PolicyReportDir, "Directory to write per-stack policy reports into")
	add("policy-report")
	fs.StringVar(&o.SecretBackend, "secret-backend", o.SecretBackend, "Secret backend: env or vault")
	add("secret-backend")
	fs.StringVar(&o.VaultAddress, "vault-addr", o.VaultAddress, "Vault server address")
	add("vault-addr")
	fs.StringVar(&o.VaultNamespace, "vault-namespace", o.VaultNamespace, "Vault namespace")
	add("vault-namespace")
	fs.StringVar(&o.VaultMount, "vault-mount", o.VaultMount, "Vault KV mount (default secret)")
	add("vault-mount")
	fs.IntVar(&o.VaultKVVersion, "vault-kv-version", o.VaultKVVersion, "Vault KV engine version (1 or 2)")
	add("vault-kv-version")
	fs.StringVar(&o.VaultAuthMethod, "vault-auth", o.VaultAuthMethod, "Vault auth method: token, approle, or aws")
	add("vault-auth")
	fs.StringVar(&o.VaultAuthMount, "vault-auth-mount", o.VaultAuthMount, "Vault auth mount path override")
	add("vault-auth-mount")
	fs.StringVar(&o.VaultToken, "vault-token", o.VaultToken, "Vault token (token auth)")
	add("vault-token")
	fs.StringVar(&o.VaultRoleID, "vault-role-id", o.VaultRoleID, "Vault approle role id")
	add("vault-role-id")
	fs.StringVar(&o.VaultSecretID, "vault-secret-id", o.VaultSecretID, "Vault approle secret id")
	add("vault-secret-id")
	fs.StringVar(&o.VaultAWSRole, "vault-aws-role", o.VaultAWSRole, "Vault role for AWS IAM auth")
	add("vault-aws-role")
	fs.StringVar(&o.VaultAWSHeader, "vault-aws-header", o.VaultAWSHeader, "X-Vault-AWS-IAM-Server-ID header value for AWS IAM auth")
	add("vault-aws-header")
	fs.StringVarP(&o.OutputFormat, "output", "o", o.OutputFormat, "Output format: text or json")
	add("output")
	return names
}

// Validate normalizes and checks the options after flag parsing.
func (o *Options) Validate() error {
	o.File = strings.TrimSpace(o.File)
	if o.File == "" {
		return fmt.Errorf("--file is required")
	}
	if o.BuildConcurrency < 1 {
		return fmt.Errorf("--build-concurrency must be at least 1")
	}
	switch strings.ToLower(strings.TrimSpace(o.PolicyMode)) {
	case "enforce", "warn":
		o.PolicyMode = strings.ToLower(strings.TrimSpace(o.PolicyMode))
	default:
		return fmt.Errorf("unknown policy mode %q (expected enforce or warn)", o.PolicyMode)
	}
	switch strings.ToLower(strings.TrimSpace(o.SecretBackend)) {
	case "", "env", "vault":
		o.SecretBackend = strings.ToLower(strings.TrimSpace(o.SecretBackend))
	default:
		return fmt.Errorf("unknown secret backend %q (expected env or vault)", o.SecretBackend)
	}
	if o.SecretBackend == "vault" && strings.TrimSpace(o.VaultAddress) == "" {
		return fmt.Errorf("--vault-addr is required with --secret-backend vault")
	}
	if o.VaultKVVersion != 1 && o.VaultKVVersion != 2 {
		return fmt.Errorf("--vault-kv-version must be 1 or 2")
	}
	switch strings.ToLower(strings.TrimSpace(o.OutputFormat)) {
	case "text", "json":
		o.OutputFormat = strings.ToLower(strings.TrimSpace(o.OutputFormat))
	default:
		return fmt.Errorf("unknown output format %q (expected text or json)", o.OutputFormat)
	}
	if o.Timeout < 0 || o.PollInterval < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}
