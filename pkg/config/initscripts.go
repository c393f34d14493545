package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"

	"github.com/openfroyo/buildlauncher/pkg/engine"
)

// StarlarkInitScriptHandler runs the init scripts of a build. Init scripts
// run before settings and may set build properties with set_property.
type StarlarkInitScriptHandler struct {
	evaluator *StarlarkEvaluator
	log       zerolog.Logger
}

// NewStarlarkInitScriptHandler creates an init script handler.
func NewStarlarkInitScriptHandler(evaluator *StarlarkEvaluator, log zerolog.Logger) *StarlarkInitScriptHandler {
	return &StarlarkInitScriptHandler{
		evaluator: evaluator,
		log:       log.With().Str("component", "init-scripts").Logger(),
	}
}

// ExecuteScripts implements engine.InitScriptHandler.
func (h *StarlarkInitScriptHandler) ExecuteScripts(ctx context.Context, build *engine.Build) error {
	for _, path := range build.StartParameter.InitScripts {
		if !filepath.IsAbs(path) && build.StartParameter.ProjectDir != "" {
			path = filepath.Join(build.StartParameter.ProjectDir, path)
		}
		src, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read init script %s: %w", path, err)
		}

		h.log.Debug().Str("build", build.Name).Str("script", path).Msg("Running init script")
		_, err = h.evaluator.Exec(ctx, Script{
			Filename: path,
			Source:   string(src),
			Predeclared: starlark.StringDict{
				"build":        buildStruct(build),
				"property":     propertyBuiltin(build, nil),
				"set_property": setPropertyBuiltin(build),
			},
			Print: func(msg string) {
				build.Listeners().NotifyOutput(strings.TrimSuffix(msg, "\n") + "\n")
			},
		})
		if err != nil {
			return engine.NewConfigurationError(fmt.Sprintf("init script %s failed", path), err).
				WithCode(engine.ErrCodeInitScript).
				WithBuild(build.Name)
		}
	}
	return nil
}
