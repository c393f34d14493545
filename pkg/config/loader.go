package config

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/buildlauncher/pkg/engine"
)

// DefaultBuildLoader creates the projects declared by settings. Projects
// start unconfigured.
type DefaultBuildLoader struct {
	log zerolog.Logger
}

// NewDefaultBuildLoader creates a build loader.
func NewDefaultBuildLoader(log zerolog.Logger) *DefaultBuildLoader {
	return &DefaultBuildLoader{log: log.With().Str("component", "build-loader").Logger()}
}

// Load implements engine.BuildLoader.
func (l *DefaultBuildLoader) Load(ctx context.Context, root, defaultProject *engine.ProjectDescriptor, build *engine.Build, scope *engine.Scope) error {
	if root == nil {
		return engine.NewConfigurationError("no root project", nil).WithCode(engine.ErrCodeValidation)
	}

	descriptors := []*engine.ProjectDescriptor{root}
	if settings := build.Settings(); settings != nil {
		descriptors = settings.Projects
	}

	projects := make([]*engine.Project, 0, len(descriptors))
	seen := make(map[string]bool, len(descriptors))
	var rootProject, defProject *engine.Project
	for _, desc := range descriptors {
		if seen[desc.Path] {
			return engine.NewConfigurationError(fmt.Sprintf("project %s declared twice", desc.Path), nil).
				WithCode(engine.ErrCodeAlreadyExists)
		}
		seen[desc.Path] = true

		project := engine.NewProject(desc)
		projects = append(projects, project)
		if desc == root || desc.Path == root.Path {
			rootProject = project
		}
		if defaultProject != nil && desc.Path == defaultProject.Path {
			defProject = project
		}
	}
	if rootProject == nil {
		return engine.NewConfigurationError(fmt.Sprintf("root project %s is not among the declared projects", root.Path), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	if defProject == nil {
		if defaultProject != nil && defaultProject.Path != root.Path {
			return engine.NewConfigurationError(fmt.Sprintf("default project %s is not among the declared projects", defaultProject.Path), nil).
				WithCode(engine.ErrCodeNotFound)
		}
		defProject = rootProject
	}

	build.SetProjects(rootProject, defProject, projects)
	l.log.Debug().Str("build", build.Name).Int("projects", len(projects)).Msg("Projects loaded")
	return nil
}
