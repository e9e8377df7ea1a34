package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/example/depctl/internal/config"
)

func newDiffCommand(logLevel *string) *cobra.Command {
	opts := config.NewOptions()
	cmd := &cobra.Command{
		Use:   "diff [STACK...]",
		Short: "Diff local templates against the deployed templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.Validate(); err != nil {
				return err
			}
			log, err := newLogger(logLevel)
			if err != nil {
				return err
			}
			p, err := loadPlan(opts)
			if err != nil {
				return err
			}
			driver, err := newDriver(cmd.Context(), opts, log)
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

			changed := 0
			for _, def := range p.Stacks {
				if len(selected) > 0 && !selected[def.Name] {
					continue
				}
				diff, err := driver.driverFor(def).TemplateDiff(cmd.Context(), def)
				if err != nil {
					return err
				}
				if diff == "" {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.GreenString("unchanged"), def.Name)
					continue
				}
				changed++
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n%s\n", color.YellowString("changed"), def.Name, diff)
			}
			if changed > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "%d stack(s) differ from the deployed templates\n", changed)
			}
			return nil
		},
	}
	opts.AddFlags(cmd)
	return cmd
}
