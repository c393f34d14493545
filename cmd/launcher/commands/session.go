package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/buildlauncher/pkg/buildtree"
	"github.com/openfroyo/buildlauncher/pkg/config"
	"github.com/openfroyo/buildlauncher/pkg/telemetry"
)

// defaultConfigFile is looked up in the project directory when --config is
// not given.
const defaultConfigFile = ".buildlauncher/config.yaml"

// session is the configuration and services of one command invocation.
type session struct {
	dir string
	cfg *config.LauncherConfig
	tel *telemetry.Telemetry
	svc *buildtree.Services
}

// loadConfig reads the launcher config and resolves its relative paths
// against the project directory.
func loadConfig() (string, *config.LauncherConfig, error) {
	dir, err := filepath.Abs(projectDir)
	if err != nil {
		return "", nil, fmt.Errorf("failed to resolve project directory: %w", err)
	}

	path, optional := configPath, false
	if path == "" {
		path, optional = filepath.Join(dir, defaultConfigFile), true
	}
	cfg, err := config.LoadLauncherConfig(path, optional)
	if err != nil {
		return "", nil, err
	}

	if cfg.History.Path != ":memory:" && !filepath.IsAbs(cfg.History.Path) {
		cfg.History.Path = filepath.Join(dir, cfg.History.Path)
	}
	if cfg.Policy.Dir != "" && !filepath.IsAbs(cfg.Policy.Dir) {
		cfg.Policy.Dir = filepath.Join(dir, cfg.Policy.Dir)
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	return dir, cfg, nil
}

// openSession loads the config and opens telemetry and the shared build
// services.
func openSession(ctx context.Context) (*session, error) {
	dir, cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if cfg.Telemetry.Metrics.Enabled {
		tel.Metrics.StartServer(func(err error) {
			log.Error().Err(err).Msg("Metrics server failed")
		})
	}

	svc, err := buildtree.Open(ctx, cfg, tel)
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return nil, err
	}

	log.Debug().
		Str("project_dir", dir).
		Bool("history", cfg.History.Enabled).
		Bool("policies", cfg.Policy.Enabled).
		Msg("Launcher session opened")

	return &session{dir: dir, cfg: cfg, tel: tel, svc: svc}, nil
}

// Close releases the build services and shuts telemetry down.
func (s *session) Close() error {
	var result *multierror.Error
	if err := s.svc.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.tel.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("telemetry shutdown: %w", err))
	}
	return result.ErrorOrNil()
}

// closeSession closes s and logs teardown failures.
func closeSession(s *session) {
	if err := s.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close launcher session")
	}
}
