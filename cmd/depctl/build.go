package main

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/example/depctl/internal/build"
	"github.com/example/depctl/internal/config"
)

func newBuildCommand(logLevel *string) *cobra.Command {
	opts := config.NewOptions()
	var composeFile string
	cmd := &cobra.Command{
		Use:   "build [STACK...]",
		Short: "Build and push artifacts without converging any stack",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.Validate(); err != nil {
				return err
			}
			log, err := newLogger(logLevel)
			if err != nil {
				return err
			}
			if composeFile != "" {
				return buildFromCompose(cmd, opts, log, composeFile, args)
			}
			p, err := loadPlan(opts)
			if err != nil {
				return err
			}

			selected := map[string]bool{}
			for _, name := range args {
				if p.Lookup(name) == nil {
					return fmt.Errorf("unknown stack %q", name)
				}
				selected[name] = true
			}

			builder := newArtifactBuilder(opts, log)
			built := 0
			for _, def := range p.Stacks {
				if def.Build == nil {
					continue
				}
				if len(selected) > 0 && !selected[def.Name] {
					continue
				}
				ref, err := builder.Build(cmd.Context(), def.Name, def.Build)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", def.Name, ref)
				built++
			}
			if built == 0 {
				fmt.Fprintln(cmd.ErrOrStderr(), "no stacks declare a build")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&composeFile, "compose", "", "build services from a compose file instead of stack definitions")
	opts.AddFlags(cmd)
	return cmd
}

// buildFromCompose builds every service in the compose file that carries a
// build section, or only the named services when args are given.
func buildFromCompose(cmd *cobra.Command, opts *config.Options, log logr.Logger, path string, args []string) error {
	specs, err := build.SpecsFromCompose(path)
	if err != nil {
		return err
	}

	selected := map[string]bool{}
	for _, name := range args {
		if specs[name] == nil {
			return fmt.Errorf("unknown compose service %q", name)
		}
		selected[name] = true
	}

	builder := newArtifactBuilder(opts, log)
	built := 0
	for _, name := range build.ComposeServiceNames(specs) {
		if len(selected) > 0 && !selected[name] {
			continue
		}
		ref, err := builder.Build(cmd.Context(), name, specs[name])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", name, ref)
		built++
	}
	if built == 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), "no compose services declare a build")
	}
	return nil
}
