package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"weaver/internal/config"
	"weaver/internal/scheduler"
	"weaver/internal/workflow"
)

// newValidateCommand creates the validate subcommand
func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <workflow-file>...",
		Short: "Check workflow definitions without executing them",
		Long: `Parse each file, run the static checks, build the execution plan and
verify cron triggers. All problems are reported at once.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			invalid := 0
			for _, path := range args {
				if !validateFile(path) {
					invalid++
				}
			}
			if invalid > 0 {
				return fmt.Errorf("%d of %d definitions invalid", invalid, len(args))
			}
			return nil
		},
	}
}

func validateFile(path string) bool {
	wf, err := workflow.ParseFile(path)
	if err != nil {
		fmt.Printf("%s %s\n    %v\n", red("✘"), path, err)
		return false
	}

	var problems []string
	for _, issue := range workflow.Validate(wf) {
		problems = append(problems, issue.String())
	}

	plan, planErr := workflow.BuildPlan(wf, workflow.Defaults{TaskTimeout: config.DefaultTaskTimeout})
	if planErr != nil {
		problems = append(problems, planErr.Error())
	}

	// The static pass only requires a cron expression to be present;
	// parse it the way the scheduler will.
	if wf.Trigger.Type == workflow.TriggerCron && wf.Trigger.CronExpr != "" {
		if err := scheduler.Validate(wf.Trigger.CronExpr, wf.Trigger.Timezone); err != nil {
			problems = append(problems, fmt.Sprintf("trigger: %v", err))
		}
	}

	if len(problems) > 0 {
		fmt.Printf("%s %s\n", red("✘"), path)
		for _, p := range problems {
			fmt.Printf("    %s\n", p)
		}
		return false
	}

	fmt.Printf("%s %s %s\n", green("✔"), path,
		gray(fmt.Sprintf("%d tasks, %d levels", len(wf.Tasks), len(plan.Levels))))
	return true
}
