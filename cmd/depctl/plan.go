package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/depctl/internal/config"
	"github.com/example/depctl/internal/stack"
)

func newPlanCommand() *cobra.Command {
	opts := config.NewOptions()
	var graph bool
	cmd := &cobra.Command{
		Use:   "plan [STACK]",
		Short: "Resolve and print the deployment order without remote calls",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.Validate(); err != nil {
				return err
			}
			p, err := loadPlan(opts)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				return printStackFocus(cmd, p, args[0])
			}
			if graph {
				printGraph(cmd, p)
				return nil
			}
			if opts.OutputFormat == "json" {
				type planStack struct {
					Name      string   `json:"name"`
					DependsOn []string `json:"dependsOn,omitempty"`
					Build     string   `json:"build,omitempty"`
				}
				out := struct {
					Order  []string    `json:"order"`
					Stacks []planStack `json:"stacks"`
				}{Order: p.Order()}
				for _, def := range p.Stacks {
					ps := planStack{Name: def.Name, DependsOn: p.Graph.Deps(def.Name)}
					if def.Build != nil {
						ps.Build = def.Build.Repository
					}
					out.Stacks = append(out.Stacks, ps)
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}
			printPlan(cmd, p)
			return nil
		},
	}
	cmd.Flags().BoolVar(&graph, "graph", false, "Print the dependency graph in DOT format")
	opts.AddFlags(cmd)
	return cmd
}

// printGraph renders the dependency graph for `dot -Tsvg`; edges point
// from a stack to what it depends on.
func printGraph(cmd *cobra.Command, p *stack.Plan) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "digraph stacks {")
	fmt.Fprintln(out, "  rankdir=LR;")
	for _, def := range p.Stacks {
		fmt.Fprintf(out, "  %q;\n", def.Name)
	}
	for _, edge := range p.Graph.Edges() {
		fmt.Fprintf(out, "  %q -> %q;\n", edge[0], edge[1])
	}
	fmt.Fprintln(out, "}")
}

func printStackFocus(cmd *cobra.Command, p *stack.Plan, name string) error {
	if p.Lookup(name) == nil {
		return fmt.Errorf("unknown stack %q", name)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, name)
	if deps := p.Graph.DepsOf(name); len(deps) > 0 {
		fmt.Fprintf(out, "  depends on:  %s\n", strings.Join(deps, ", "))
	}
	if dependents := p.Graph.DependentsOf(name); len(dependents) > 0 {
		fmt.Fprintf(out, "  required by: %s\n", strings.Join(dependents, ", "))
	}
	return nil
}
