package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/buildlauncher/pkg/engine"
)

type taskReport struct {
	Path                 string   `json:"path"`
	Description          string   `json:"description,omitempty"`
	DependsOn            []string `json:"depends_on,omitempty"`
	IncludedDependencies []string `json:"included_dependencies,omitempty"`
}

func newTasksCommand() *cobra.Command {
	var dot bool

	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List the tasks of the build",
		Long: `Configure every project of the build and list its tasks with their
dependencies. With --dot the dependency graph of all tasks is printed in
Graphviz DOT format.`,
		Example: `  # List tasks
  launcher tasks

  # Render the task graph
  launcher tasks --dot | dot -Tsvg > tasks.svg`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer closeSession(s)

			params := s.cfg.StartParameter(s.dir, nil)
			params.ConfigureOnDemand = false

			tree, err := s.svc.NewTree(cmd.Context(), params)
			if err != nil {
				return err
			}
			start := time.Now()
			result := tree.Analyze(cmd.Context())
			if !result.Succeeded() {
				if err := printResult(cmd.OutOrStdout(), result, time.Since(start)); err != nil {
					return err
				}
				return errBuildFailed
			}

			var tasks []*engine.Task
			for _, p := range result.Build.Projects() {
				tasks = append(tasks, p.Tasks()...)
			}

			w := cmd.OutOrStdout()
			switch {
			case dot:
				graph := engine.NewTaskGraph()
				if err := graph.AddTasks(result.Build, tasks...); err != nil {
					return err
				}
				fmt.Fprint(w, graph.ToDOT())
			case jsonOutput:
				reports := make([]taskReport, 0, len(tasks))
				for _, t := range tasks {
					reports = append(reports, newTaskReport(t))
				}
				return writeJSON(w, reports)
			default:
				for _, t := range tasks {
					printTask(cmd, newTaskReport(t))
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dot, "dot", false, "print the task graph in DOT format")

	return cmd
}

func newTaskReport(t *engine.Task) taskReport {
	r := taskReport{Path: t.Path.String(), Description: t.Description}
	for _, dep := range t.DependsOn {
		r.DependsOn = append(r.DependsOn, dep.String())
	}
	for _, ref := range t.IncludedDependencies {
		r.IncludedDependencies = append(r.IncludedDependencies, ref.String())
	}
	return r
}

func printTask(cmd *cobra.Command, r taskReport) {
	w := cmd.OutOrStdout()
	line := r.Path
	if r.Description != "" {
		line += " - " + r.Description
	}
	fmt.Fprintln(w, line)
	deps := append(append([]string(nil), r.DependsOn...), r.IncludedDependencies...)
	if len(deps) > 0 {
		fmt.Fprintf(w, "    depends on: %s\n", strings.Join(deps, ", "))
	}
}
