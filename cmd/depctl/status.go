package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/example/depctl/internal/config"
	"github.com/example/depctl/internal/converge"
)

func newStatusCommand(logLevel *string) *cobra.Command {
	opts := config.NewOptions()
	cmd := &cobra.Command{
		Use:   "status [STACK...]",
		Short: "Show the remote status of each stack",
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

			type row struct {
				Stack  string `json:"stack"`
				Status string `json:"status"`
				State  string `json:"state"`
			}
			var rows []row
			for _, def := range p.Stacks {
				if len(selected) > 0 && !selected[def.Name] {
					continue
				}
				exists, status, state, err := driver.driverFor(def).Status(cmd.Context(), def.Name)
				if err != nil {
					return err
				}
				if !exists {
					rows = append(rows, row{Stack: def.Name, Status: "NOT_CREATED", State: string(converge.StatePending)})
					continue
				}
				rows = append(rows, row{Stack: def.Name, Status: status, State: string(state)})
			}

			if opts.OutputFormat == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STACK\tSTATUS\tSTATE")
			for _, r := range rows {
				state := r.State
				switch converge.State(r.State) {
				case converge.StateSucceeded:
					state = color.GreenString(state)
				case converge.StateFailed, converge.StateRolledBack:
					state = color.RedString(state)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", r.Stack, r.Status, state)
			}
			return w.Flush()
		},
	}
	opts.AddFlags(cmd)
	return cmd
}
