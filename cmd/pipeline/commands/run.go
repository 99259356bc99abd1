package commands

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"go-pointcloud-pipeline/internal/errors"
	"go-pointcloud-pipeline/internal/jobs"
	"go-pointcloud-pipeline/internal/model"
	"go-pointcloud-pipeline/internal/results"
	"go-pointcloud-pipeline/internal/server"
	"go-pointcloud-pipeline/pkg/utils"
)

// RunCmd executes a pipeline file in-process
var RunCmd = &cobra.Command{
	Use:   "run FILE",
	Short: "Run a pipeline file locally",
	Long: `Run a pipeline file without the HTTP API. Reader paths resolve against
the working directory. Writer results are saved to --out; metadata-only
pipelines print their summary as JSON.`,
	Args: cobra.ExactArgs(1),
	RunE: runPipeline,
}

var (
	runOut     string
	runTimeout time.Duration
)

func init() {
	RunCmd.Flags().StringVarP(&runOut, "out", "o", "", "Write the result bytes to this file")
	RunCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Job timeout (overrides jobs.job_timeout)")
}

func runPipeline(cmd *cobra.Command, args []string) error {
	def, err := loadDefinition(args[0])
	if err != nil {
		return err
	}

	local := *cfg
	local.Data.Dir = ""
	exec, err := server.NewExecutor(&local)
	if err != nil {
		return err
	}

	jc := server.JobsConfig(&local)
	jc.MaxConcurrentJobs = 1
	jc.MaxQueuedJobs = 1
	if runTimeout > 0 {
		jc.JobTimeout = runTimeout
	}
	mgr := jobs.NewManager(jc, exec, results.New(local.Results.Retention()),
		jobs.WithOutputs(utils.NewOutputManager(local.Data.OutputDir)))
	mgr.Start()
	defer mgr.Stop(context.Background())

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	id, err := mgr.Submit(ctx, def)
	if err != nil {
		pterm.Error.Println(err)
		return err
	}

	// Interrupts cancel at the next stage boundary.
	go func() {
		<-ctx.Done()
		_ = mgr.Cancel(id)
	}()

	spinner, _ := pterm.DefaultSpinner.Start("Running " + strconv.Itoa(len(def.Stages)) + " stages")
	job, err := mgr.Wait(context.Background(), id)
	if spinner != nil {
		_ = spinner.Stop()
	}
	if err != nil {
		return err
	}

	if err := pterm.DefaultTable.WithHasHeader().WithData(diagnosticRows(job)).Render(); err != nil {
		return err
	}
	if job.State != model.JobSucceeded {
		err := errors.Newf("job %s %s: %s", job.ID, job.State, job.Error)
		pterm.Error.Println(err)
		return err
	}

	res, err := mgr.Result(id)
	if err != nil {
		return err
	}
	return emitResult(res)
}

func emitResult(res *model.Result) error {
	if res.Kind == model.KindResultBytes {
		if runOut == "" {
			pterm.Warning.Printfln("%s result (%d bytes) discarded; pass --out to keep it", res.ContentType, res.Size())
		} else {
			if err := os.WriteFile(runOut, res.Data, 0o644); err != nil {
				return errors.Wrapf(err, "write result %s", runOut)
			}
			pterm.Success.Printfln("Wrote %d bytes to %s", res.Size(), runOut)
		}
	}

	data, err := json.MarshalIndent(res.Metadata, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode metadata")
	}
	pterm.Println(string(data))
	return nil
}

func diagnosticRows(job model.Job) [][]string {
	rows := [][]string{{"#", "Stage", "In", "Out", "Elapsed", "Status"}}
	for _, d := range job.Diagnostics {
		status := "ok"
		switch {
		case d.Failed():
			status = d.ErrorCode + ": " + d.Error
		case len(d.Warnings) > 0:
			status = strconv.Itoa(len(d.Warnings)) + " warnings"
		}
		rows = append(rows, []string{
			strconv.Itoa(d.StageIndex),
			d.StageType,
			strconv.Itoa(d.InputCount),
			strconv.Itoa(d.OutputCount),
			d.Elapsed.Round(time.Microsecond).String(),
			status,
		})
	}
	return rows
}
