package main

import (
	"os"

	"github.com/spf13/cobra"

	"go-pointcloud-pipeline/cmd/pipeline/commands"
	"go-pointcloud-pipeline/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Point-cloud pipeline service",
	Long: `Run PDAL-style point-cloud pipelines as asynchronous jobs.

Available commands:
  serve     - Start the HTTP API
  run       - Execute a pipeline file locally and wait for it
  validate  - Check a pipeline file without running it
  stages    - List the registered stage types

Examples:
  pipeline serve --config pipeline.toml
  pipeline run ground.json --out ground.las
  pipeline validate ground.yaml
  pipeline stages`,
	SilenceUsage:      true,
	PersistentPreRunE: commands.Setup,
}

func init() {
	commands.AddPersistentFlags(rootCmd)

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.ValidateCmd)
	rootCmd.AddCommand(commands.StagesCmd)
}

func main() {
	err := rootCmd.Execute()
	logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}
