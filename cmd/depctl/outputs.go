package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/example/depctl/internal/config"
	"github.com/example/depctl/internal/stack"
)

func newOutputsCommand(logLevel *string) *cobra.Command {
	opts := config.NewOptions()
	cmd := &cobra.Command{
		Use:   "outputs [STACK...]",
		Short: "Show the recorded outputs of deployed stacks",
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

			all := map[string]stack.Outputs{}
			for _, def := range p.Stacks {
				if len(selected) > 0 && !selected[def.Name] {
					continue
				}
				outs, err := driver.driverFor(def).Outputs(cmd.Context(), def.Name)
				if err != nil {
					return err
				}
				all[def.Name] = outs
			}

			if opts.OutputFormat == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(all)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STACK\tKEY\tVALUE")
			for _, def := range p.Stacks {
				outs, ok := all[def.Name]
				if !ok {
					continue
				}
				keys := make([]string, 0, len(outs))
				for k := range outs {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Fprintf(w, "%s\t%s\t%s\n", def.Name, k, outs[k])
				}
			}
			return w.Flush()
		},
	}
	opts.AddFlags(cmd)
	return cmd
}
