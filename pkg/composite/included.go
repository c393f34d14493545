package composite

import (
	"context"
	"sync"

	"github.com/openfroyo/buildlauncher/pkg/engine"
)

// NestedBuild is a build included by another build. Configure runs the
// nested build's configuration at most once and returns the configured
// model.
type NestedBuild interface {
	Name() string
	Configure(ctx context.Context) (*engine.Build, error)
}

// Analyzer configures a build without running tasks.
type Analyzer interface {
	Build() *engine.Build
	GetBuildAnalysis(ctx context.Context) engine.BuildResult
}

// IncludedBuild adapts a launcher of a nested build to NestedBuild.
type IncludedBuild struct {
	spec     engine.IncludedBuildSpec
	launcher Analyzer

	once  sync.Once
	build *engine.Build
	err   error
}

// NewIncludedBuild creates a nested build backed by launcher.
func NewIncludedBuild(spec engine.IncludedBuildSpec, launcher Analyzer) *IncludedBuild {
	return &IncludedBuild{spec: spec, launcher: launcher}
}

// Name returns the name of the nested build.
func (b *IncludedBuild) Name() string {
	return b.spec.Name
}

// Spec returns the declaration of the nested build.
func (b *IncludedBuild) Spec() engine.IncludedBuildSpec {
	return b.spec
}

// Configure implements NestedBuild.
func (b *IncludedBuild) Configure(ctx context.Context) (*engine.Build, error) {
	b.once.Do(func() {
		result := b.launcher.GetBuildAnalysis(ctx)
		b.build = b.launcher.Build()
		b.err = result.Failure
	})
	return b.build, b.err
}
