package commands

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/buildlauncher/pkg/engine"
)

type buildOptions struct {
	configureOnDemand bool
	continueOnFailure bool
	maxWorkers        int
	initScripts       []string
	dryRun            bool
	continuous        bool
}

// apply overrides the configured defaults with the flags set on cmd.
func (o *buildOptions) apply(cmd *cobra.Command, params *engine.StartParameter) {
	flags := cmd.Flags()
	if flags.Changed("configure-on-demand") {
		params.ConfigureOnDemand = o.configureOnDemand
	}
	if flags.Changed("continue") {
		params.ContinueOnFailure = o.continueOnFailure
	}
	if flags.Changed("max-workers") {
		params.MaxWorkers = o.maxWorkers
	}
	params.InitScripts = append(params.InitScripts, o.initScripts...)
	params.DryRun = o.dryRun
}

func newBuildCommand() *cobra.Command {
	opts := &buildOptions{}

	cmd := &cobra.Command{
		Use:   "build [tasks...]",
		Short: "Run tasks of the build",
		Long: `Run the requested tasks and the tasks they depend on.

Task names are absolute paths (":lib:jar") or bare names matched in every
project. Without task names the default tasks of the settings run. Tasks
depending on tasks of included builds configure and run those builds first.`,
		Example: `  # Run the default tasks
  launcher build

  # Run a task of one project and keep going after failures
  launcher build :lib:jar --continue

  # Select tasks without running them
  launcher build test --dry-run

  # Rebuild whenever settings or build scripts change
  launcher build --continuous`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer closeSession(s)

			params := s.cfg.StartParameter(s.dir, args)
			opts.apply(cmd, &params)

			if opts.continuous {
				return runContinuous(cmd, s, params)
			}
			if _, ok := runTree(cmd, s, params); !ok {
				return errBuildFailed
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&opts.configureOnDemand, "configure-on-demand", false, "configure only the projects needed by the requested tasks")
	cmd.Flags().BoolVar(&opts.continueOnFailure, "continue", false, "keep running independent tasks after a failure")
	cmd.Flags().IntVar(&opts.maxWorkers, "max-workers", 0, "maximum number of tasks run in parallel")
	cmd.Flags().StringSliceVar(&opts.initScripts, "init-script", nil, "Starlark init script evaluated before settings (repeatable)")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "select tasks without running their actions")
	cmd.Flags().BoolVar(&opts.continuous, "continuous", false, "rebuild when settings or build scripts change")

	return cmd
}

// runTree runs one build tree and reports its outcome.
func runTree(cmd *cobra.Command, s *session, params engine.StartParameter) (*engine.Build, bool) {
	tree, err := s.svc.NewTree(cmd.Context(), params)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create build")
		return nil, false
	}

	start := time.Now()
	result := tree.Run(cmd.Context())
	if err := printResult(cmd.OutOrStdout(), result, time.Since(start)); err != nil {
		log.Warn().Err(err).Msg("Failed to print build result")
	}
	return tree.Build(), result.Succeeded()
}

// runContinuous rebuilds whenever a settings or build script file of the
// build tree changes, until the command is interrupted.
func runContinuous(cmd *cobra.Command, s *session, params engine.StartParameter) error {
	ctx := cmd.Context()
	if s.svc.Policies != nil && s.cfg.Policy.Dir != "" {
		if err := s.svc.Policies.Watch(ctx, []string{s.cfg.Policy.Dir}); err != nil {
			log.Warn().Err(err).Msg("Failed to watch policies")
		}
	}

	for {
		build, _ := runTree(cmd, s, params)

		dirs := []string{s.dir}
		if build != nil {
			dirs = append(dirs, includedDirs(build)...)
		}
		log.Info().Strs("dirs", dirs).Msg("Waiting for changes (Ctrl+C to exit)")

		if err := waitForChange(ctx, dirs, 300*time.Millisecond); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func includedDirs(build *engine.Build) []string {
	settings := build.Settings()
	if settings == nil {
		return nil
	}
	var dirs []string
	for _, inc := range settings.IncludedBuilds {
		dirs = append(dirs, inc.Dir)
	}
	return dirs
}
