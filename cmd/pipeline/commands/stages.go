package commands

import (
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"go-pointcloud-pipeline/internal/pipeline"
	"go-pointcloud-pipeline/internal/server"
)

// StagesCmd lists the registered stage types
var StagesCmd = &cobra.Command{
	Use:   "stages",
	Short: "List the registered stage types",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		exec, err := server.NewExecutor(cfg)
		if err != nil {
			return err
		}
		return pterm.DefaultTable.WithHasHeader().WithData(descriptorRows(exec.Registry())).Render()
	},
}

// descriptorRows renders required parameters with a trailing '*'.
func descriptorRows(reg *pipeline.Registry) [][]string {
	rows := [][]string{{"Type", "Data", "Params", "Description"}}
	for _, d := range reg.Descriptors() {
		params := make([]string, 0, len(d.Params))
		for _, p := range d.Params {
			name := p.Name
			if p.Required {
				name += "*"
			}
			params = append(params, name)
		}
		rows = append(rows, []string{
			d.Type,
			string(d.Input) + " -> " + string(d.Output),
			strings.Join(params, ", "),
			d.Description,
		})
	}
	return rows
}
