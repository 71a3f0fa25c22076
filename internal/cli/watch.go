package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"tubemp3/internal/client"
	"tubemp3/internal/jobs"
	"tubemp3/internal/models"
)

var errStopWatch = errors.New("stop watching")

func (a *app) watchCmd() *cobra.Command {
	var untilDone bool
	cmd := &cobra.Command{
		Use:   "watch [id]",
		Short: "Stream live job updates",
		Long: `Stream job updates from the server. With an id only that job is shown,
and --until-done exits once it reaches done, error or canceled.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var only string
			if len(args) == 1 {
				only = args[0]
			}
			if untilDone && only == "" {
				return fmt.Errorf("--until-done needs a job id")
			}

			err := a.api.Watch(cmd.Context(), func(ev client.Event) error {
				return a.showEvent(cmd, ev, only, untilDone)
			})
			if errors.Is(err, errStopWatch) || (err != nil && cmd.Context().Err() != nil) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&untilDone, "until-done", false, "exit when the job finishes")
	return cmd
}

func (a *app) showEvent(cmd *cobra.Command, ev client.Event, only string, untilDone bool) error {
	switch ev.Type {
	case jobs.MessageInit:
		all, err := ev.Jobs()
		if err != nil {
			return fmt.Errorf("decode init: %w", err)
		}
		for _, job := range all {
			if only != "" && job.ID != only {
				continue
			}
			a.printUpdate(cmd, job)
			if untilDone && job.State.IsTerminal() {
				return errStopWatch
			}
		}
	case jobs.MessageJob:
		job, err := ev.Job()
		if err != nil {
			return fmt.Errorf("decode job: %w", err)
		}
		if only != "" && job.ID != only {
			return nil
		}
		a.printUpdate(cmd, job)
		if untilDone && job.State.IsTerminal() {
			return errStopWatch
		}
	case jobs.MessageRemoved:
		id, err := ev.RemovedID()
		if err != nil {
			return fmt.Errorf("decode removed: %w", err)
		}
		if only != "" && id != only {
			return nil
		}
		printf(cmd, "%s  %s\n", padRight(id, 36), a.styles.hint.Render("removed"))
		if untilDone {
			return errStopWatch
		}
	}
	return nil
}

func (a *app) printUpdate(cmd *cobra.Command, job models.Detail) {
	line := fmt.Sprintf("%s  %s  %s", padRight(job.ID, 36), padRight(a.styles.state(job.State), 11), formatPercent(job.Percent))
	if eta := formatETA(job.DownloadETA); eta != "" && job.State == models.StateDownloading {
		line += "  " + eta
	}
	if eta := formatETA(job.ConvertETA); eta != "" && job.State == models.StateConverting {
		line += "  " + eta
	}
	switch {
	case job.Error != "":
		line += "  " + a.styles.failed.Render(job.Error)
	case job.Message != "":
		line += "  " + a.styles.hint.Render(job.Message)
	}
	printf(cmd, "%s\n", line)
}
