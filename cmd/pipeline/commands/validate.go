package commands

import (
	"encoding/json"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"go-pointcloud-pipeline/internal/model"
	"go-pointcloud-pipeline/internal/server"
)

// ValidateCmd checks a pipeline file
var ValidateCmd = &cobra.Command{
	Use:   "validate FILE",
	Short: "Check a pipeline file without running it",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	def, err := loadDefinition(args[0])
	if err != nil {
		pterm.Error.Println(err)
		return err
	}
	exec, err := server.NewExecutor(cfg)
	if err != nil {
		return err
	}
	if err := exec.Validate(def); err != nil {
		pterm.Error.Println(err)
		return err
	}

	if err := pterm.DefaultTable.WithHasHeader().WithData(stageRows(def)).Render(); err != nil {
		return err
	}
	pterm.Success.Printfln("Pipeline %s is valid (%d stages)", def.ID()[:12], len(def.Stages))
	return nil
}

func stageRows(def *model.PipelineDefinition) [][]string {
	rows := [][]string{{"#", "Type", "Params"}}
	for i, spec := range def.Stages {
		params := ""
		if len(spec.Params) > 0 {
			data, _ := json.Marshal(spec.Params)
			params = string(data)
		}
		rows = append(rows, []string{strconv.Itoa(i), spec.Type, params})
	}
	return rows
}
