package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"weaver/internal/agent"
	"weaver/internal/logging"
	"weaver/internal/workflow"
)

// newTemplatesCommand creates the templates subcommand
func newTemplatesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "templates [id]",
		Short: "List built-in workflow templates or export one as YAML",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				for _, w := range workflow.Templates() {
					fmt.Printf("  %s  %s\n", bold(w.ID), gray(w.Description))
				}
				fmt.Printf("\n%s weaver templates <id> > workflow.yaml\n", gray("export:"))
				return nil
			}

			w, ok := workflow.Template(args[0])
			if !ok {
				return fmt.Errorf("unknown template %q", args[0])
			}
			data, err := workflow.Encode(w)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(data)
			return err
		},
	}
}

// newAgentsCommand creates the agents subcommand
func newAgentsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List the built-in agents and their actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			registry := agent.NewRegistry(logging.Nop())
			if err := agent.RegisterBuiltins(registry, logging.Nop()); err != nil {
				return err
			}
			for _, info := range registry.List() {
				fmt.Printf("  %s  %s\n", bold(info.Type), gray(strings.Join(info.Actions, ", ")))
				if info.Description != "" {
					fmt.Printf("      %s\n", info.Description)
				}
			}
			return nil
		},
	}
}
