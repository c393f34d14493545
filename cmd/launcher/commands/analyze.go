package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/buildlauncher/pkg/engine"
)

type projectReport struct {
	Path       string   `json:"path"`
	Name       string   `json:"name"`
	Dir        string   `json:"dir"`
	Configured bool     `json:"configured"`
	Tasks      []string `json:"tasks,omitempty"`
}

type analysisReport struct {
	buildReport
	Projects       []projectReport            `json:"projects,omitempty"`
	IncludedBuilds []engine.IncludedBuildSpec `json:"included_builds,omitempty"`
	DefaultTasks   []string                   `json:"default_tasks,omitempty"`
}

func newAnalysisReport(result engine.BuildResult, duration time.Duration) analysisReport {
	report := analysisReport{buildReport: newBuildReport(result, duration)}
	build := result.Build
	if build == nil {
		return report
	}
	for _, p := range build.Projects() {
		pr := projectReport{Path: p.Path, Name: p.Name, Dir: p.Dir, Configured: p.Configured()}
		for _, t := range p.Tasks() {
			pr.Tasks = append(pr.Tasks, t.Name)
		}
		report.Projects = append(report.Projects, pr)
	}
	if settings := build.Settings(); settings != nil {
		report.IncludedBuilds = settings.IncludedBuilds
		report.DefaultTasks = settings.DefaultTasks
	}
	return report
}

func newAnalyzeCommand() *cobra.Command {
	var configureOnDemand bool

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Configure the build without running tasks",
		Long: `Evaluate settings, load and configure the projects of the build and
check its policies, then report the configured model. No task is selected
or run and included builds are not configured.`,
		Example: `  # Analyze the build in the current directory
  launcher analyze

  # Analyze another build as JSON
  launcher analyze --project-dir ../shop --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer closeSession(s)

			params := s.cfg.StartParameter(s.dir, nil)
			params.ConfigureOnDemand = configureOnDemand

			tree, err := s.svc.NewTree(cmd.Context(), params)
			if err != nil {
				return err
			}
			start := time.Now()
			result := tree.Analyze(cmd.Context())
			report := newAnalysisReport(result, time.Since(start))

			w := cmd.OutOrStdout()
			if jsonOutput {
				if err := writeJSON(w, report); err != nil {
					return err
				}
			} else {
				printAnalysis(cmd, report)
				if err := printResult(w, result, time.Since(start)); err != nil {
					return err
				}
			}
			if !report.Succeeded {
				return errBuildFailed
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&configureOnDemand, "configure-on-demand", false, "configure only the root project")

	return cmd
}

func printAnalysis(cmd *cobra.Command, report analysisReport) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Build %s\n", report.Build)
	for _, p := range report.Projects {
		state := "configured"
		if !p.Configured {
			state = "not configured"
		}
		fmt.Fprintf(w, "  project %s (%s): %d task(s), %s\n", p.Path, p.Dir, len(p.Tasks), state)
	}
	for _, inc := range report.IncludedBuilds {
		fmt.Fprintf(w, "  included build %s (%s)\n", inc.Name, inc.Dir)
	}
	if len(report.DefaultTasks) > 0 {
		fmt.Fprintf(w, "  default tasks: %v\n", report.DefaultTasks)
	}
}
