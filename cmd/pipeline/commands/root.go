// Package commands implements the pipeline CLI.
package commands

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"go-pointcloud-pipeline/internal/config"
	"go-pointcloud-pipeline/internal/errors"
	"go-pointcloud-pipeline/internal/logger"
	"go-pointcloud-pipeline/internal/model"
	"go-pointcloud-pipeline/internal/pipeline"
)

var (
	configPath string
	cfg        = config.Default()
)

// AddPersistentFlags registers the flags shared by every command.
func AddPersistentFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (toml, yaml or json)")
	cmd.PersistentFlags().Bool("json-logs", false, "Log JSON instead of console output")
	cmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
}

// Setup loads configuration and initializes logging. Flags override the
// config file and PIPELINE_* environment variables.
func Setup(cmd *cobra.Command, args []string) error {
	v := config.NewViper()
	if err := v.BindPFlag("log.json", cmd.Flags().Lookup("json-logs")); err != nil {
		return errors.Wrap(err, "bind --json-logs")
	}
	if err := v.BindPFlag("log.level", cmd.Flags().Lookup("log-level")); err != nil {
		return errors.Wrap(err, "bind --log-level")
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "read config file %s", configPath)
		}
	}
	loaded, err := config.LoadWithViper(v)
	if err != nil {
		return err
	}
	if err := logger.Initialize(loaded.Log.JSON, loaded.Log.Level); err != nil {
		return errors.Wrap(err, "failed to initialize logger")
	}
	cfg = loaded
	return nil
}

// loadDefinition reads a pipeline file; the extension selects the syntax.
func loadDefinition(path string) (*model.PipelineDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read pipeline %s", path)
	}
	return pipeline.ParseDefinition(data, pipeline.FormatFromPath(path))
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
