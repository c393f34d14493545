package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/openfroyo/buildlauncher/pkg/engine"
)

// DefaultSettingsFile is looked up in the project directory.
const DefaultSettingsFile = "settings.cue"

// CUESettingsLoader evaluates a build's settings.cue.
type CUESettingsLoader struct {
	parser *CUEParser
	log    zerolog.Logger
}

// NewCUESettingsLoader creates a settings loader.
func NewCUESettingsLoader(parser *CUEParser, log zerolog.Logger) *CUESettingsLoader {
	return &CUESettingsLoader{
		parser: parser,
		log:    log.With().Str("component", "settings").Logger(),
	}
}

// Load implements engine.SettingsLoader. A build without a settings file
// consists of its root project only. Properties set by init scripts
// override settings properties.
func (l *CUESettingsLoader) Load(ctx context.Context, build *engine.Build) (*engine.Settings, error) {
	dir, err := filepath.Abs(build.StartParameter.ProjectDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project dir: %w", err)
	}

	path := build.StartParameter.SettingsFile
	explicit := path != ""
	if !explicit {
		path = filepath.Join(dir, DefaultSettingsFile)
	} else if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}

	var sc SettingsConfig
	source := ""
	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) || explicit {
			return nil, fmt.Errorf("settings file %s: %w", path, err)
		}
		l.log.Debug().Str("build", build.Name).Str("dir", dir).Msg("No settings file, using root project only")
	} else {
		parsed, err := l.parser.ParseFile(ctx, path)
		if err != nil {
			return nil, err
		}
		if len(parsed.Errors) > 0 {
			return nil, engine.NewConfigurationError("invalid settings", FormatErrors(parsed.Errors)).
				WithCode(engine.ErrCodeValidation).
				WithDetail("errors", parsed.Errors)
		}
		sc = parsed.Settings
		source = path
	}

	settings := sc.ToSettings(dir, source)
	if sc.DefaultProject != "" && settings.DefaultProject == nil {
		return nil, engine.NewConfigurationError(
			fmt.Sprintf("default project %s is not declared", sc.DefaultProject), nil,
		).WithCode(engine.ErrCodeNotFound)
	}
	if !build.IsRoot() && build.Name != "" {
		settings.RootProject.Name = build.Name
	}
	for _, name := range build.PropertyNames() {
		v, _ := build.Property(name)
		settings.RootScope.Set(name, v)
	}

	l.log.Debug().
		Str("build", build.Name).
		Str("source", source).
		Int("projects", len(settings.Projects)).
		Int("included_builds", len(settings.IncludedBuilds)).
		Msg("Settings evaluated")
	return settings, nil
}
