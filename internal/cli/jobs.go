package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"tubemp3/internal/client"
	"tubemp3/internal/models"
)

func (a *app) submitCmd() *cobra.Command {
	var start bool
	cmd := &cobra.Command{
		Use:   "submit <url>...",
		Short: "Queue YouTube URLs for conversion",
		Long: `Queue one or more YouTube URLs. Jobs wait in the queue until started,
unless --start is given.

Examples:
  tubemp3 submit https://youtu.be/dQw4w9WgXcQ
  tubemp3 submit --start https://www.youtube.com/watch?v=dQw4w9WgXcQ`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, u := range args {
				id, err := a.api.Submit(cmd.Context(), u, start)
				if err != nil {
					return fmt.Errorf("submit %s: %w", u, err)
				}
				printf(cmd, "%s\n", id)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&start, "start", false, "start the job right away")
	return cmd
}

func (a *app) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List jobs, most recent first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := a.api.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}
			if len(jobs) == 0 {
				printf(cmd, "%s\n", a.styles.hint.Render("no jobs"))
				return nil
			}

			printf(cmd, "%s\n", a.styles.header.Render(
				padRight("ID", 36)+"  "+padRight("STATE", 11)+"  "+padRight("PROGRESS", 8)+"  "+padRight("LENGTH", 7)+"  TITLE"))
			for _, j := range jobs {
				printf(cmd, "%s  %s  %s  %s  %s\n",
					padRight(j.ID, 36),
					padRight(a.styles.state(j.State), 11),
					padRight(formatPercent(j.Percent), 8),
					padRight(formatClock(j.Duration), 7),
					titleOf(j.Title, a.styles.hint.Render("(unknown)")),
				)
			}
			return nil
		},
	}
}

func (a *app) showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one job in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := a.api.Get(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get job: %w", err)
			}
			a.printDetail(cmd, job)
			return nil
		},
	}
}

func (a *app) printDetail(cmd *cobra.Command, job models.Detail) {
	printf(cmd, "ID:        %s\n", job.ID)
	printf(cmd, "URL:       %s\n", job.URL)
	printf(cmd, "State:     %s\n", a.styles.state(job.State))
	printf(cmd, "Progress:  %s  (download %s, convert %s)\n",
		formatPercent(job.Percent), formatPercent(job.DownloadPercent), formatPercent(job.ConvertPercent))
	if eta := formatETA(job.DownloadETA); eta != "" {
		printf(cmd, "Download:  %s\n", eta)
	}
	if eta := formatETA(job.ConvertETA); eta != "" {
		printf(cmd, "Convert:   %s\n", eta)
	}
	if job.Title != "" {
		printf(cmd, "Title:     %s\n", job.Title)
	}
	if job.Author != "" {
		printf(cmd, "Author:    %s\n", job.Author)
	}
	if job.Duration > 0 {
		printf(cmd, "Length:    %s\n", formatClock(job.Duration))
	}
	if job.Message != "" {
		printf(cmd, "Message:   %s\n", job.Message)
	}
	if job.Error != "" {
		printf(cmd, "Error:     %s\n", a.styles.failed.Render(job.Error))
	}
	if job.Result != nil {
		file := job.Result.FileName
		if !job.HasFile {
			file += " " + a.styles.hint.Render("(deleted)")
		}
		printf(cmd, "File:      %s\n", file)
	}
	if job.Separation.State != "" && job.Separation.State != models.SeparationIdle {
		printf(cmd, "Stems:     %s %s\n", a.styles.separation(job.Separation.State), formatPercent(job.Separation.Percent))
	}
}

func (a *app) startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <id>...",
		Short: "Start queued jobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, id := range args {
				if err := a.api.Start(cmd.Context(), id); err != nil {
					return fmt.Errorf("start %s: %w", id, err)
				}
			}
			return nil
		},
	}
}

func (a *app) cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>...",
		Short: "Cancel jobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, id := range args {
				if err := a.api.Cancel(cmd.Context(), id); err != nil {
					return fmt.Errorf("cancel %s: %w", id, err)
				}
			}
			return nil
		},
	}
}

func (a *app) rmCmd() *cobra.Command {
	var file, all, force bool
	cmd := &cobra.Command{
		Use:   "rm <id>...",
		Short: "Delete job records or files",
		Long: `Delete jobs. By default only the record is removed and the MP3 stays on
disk.

  --file   remove only the MP3, keep the record
  --all    remove the record and every file
  --force  cancel a running job first, then remove everything`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := deleteMode(file, all, force)
			if err != nil {
				return err
			}
			for _, id := range args {
				if err := a.api.Delete(cmd.Context(), id, mode); err != nil {
					return fmt.Errorf("delete %s: %w", id, err)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&file, "file", false, "remove only the file")
	cmd.Flags().BoolVar(&all, "all", false, "remove the record and the file")
	cmd.Flags().BoolVar(&force, "force", false, "cancel and remove everything")
	return cmd
}

func deleteMode(file, all, force bool) (client.DeleteMode, error) {
	n := 0
	mode := client.DeleteRecord
	for _, opt := range []struct {
		set  bool
		mode client.DeleteMode
	}{{file, client.DeleteFile}, {all, client.DeleteAll}, {force, client.DeleteForce}} {
		if opt.set {
			n++
			mode = opt.mode
		}
	}
	if n > 1 {
		return "", fmt.Errorf("--file, --all and --force are mutually exclusive")
	}
	return mode, nil
}

func (a *app) getCmd() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Download the MP3 of a finished job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.fetch(cmd, outDir, args[0]+".mp3", func(f *os.File) (string, error) {
				return a.api.Download(cmd.Context(), args[0], f)
			})
		},
	}
	cmd.Flags().StringVarP(&outDir, "output", "o", ".", "output directory")
	return cmd
}

// fetch downloads into a temp file in dir and renames it to the
// server-supplied name.
func (a *app) fetch(cmd *cobra.Command, dir, fallback string, download func(*os.File) (string, error)) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	f, err := os.CreateTemp(dir, ".tubemp3-*")
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	name, err := download(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return err
	}

	if name == "" {
		name = fallback
	}
	dest := filepath.Join(dir, filepath.Base(name))
	if err := os.Rename(f.Name(), dest); err != nil {
		os.Remove(f.Name())
		return fmt.Errorf("save file: %w", err)
	}
	printf(cmd, "%s\n", dest)
	return nil
}

func (a *app) separateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "separate <id>",
		Short: "Split a finished job into vocal and accompaniment stems",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.api.Separate(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("separate: %w", err)
			}
			return nil
		},
	}
}

func (a *app) stemsCmd() *cobra.Command {
	var outDir, name string
	cmd := &cobra.Command{
		Use:   "stems <id>",
		Short: "Show separation state or download a stem",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if name != "" {
				return a.fetch(cmd, outDir, name+".wav", func(f *os.File) (string, error) {
					return a.api.DownloadStem(cmd.Context(), id, name, f)
				})
			}

			sep, err := a.api.Stems(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("get stems: %w", err)
			}
			printf(cmd, "State:     %s %s\n", a.styles.separation(sep.State), formatPercent(sep.Percent))
			if sep.Message != "" {
				printf(cmd, "Message:   %s\n", sep.Message)
			}
			if sep.Error != "" {
				printf(cmd, "Error:     %s\n", a.styles.failed.Render(sep.Error))
			}
			for _, stem := range sep.Stems {
				printf(cmd, "  %s  %s  %s\n", padRight(stem.Name, 16), padRight(stem.File, 24), formatSize(stem.Size))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "get", "", "download the named stem")
	cmd.Flags().StringVarP(&outDir, "output", "o", ".", "output directory")
	return cmd
}

func (a *app) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show job counts per state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := a.api.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("get stats: %w", err)
			}
			states := make([]string, 0, len(stats.States))
			for s := range stats.States {
				states = append(states, s)
			}
			sort.Strings(states)
			for _, s := range states {
				printf(cmd, "%s %d\n", padRight(s, 12), stats.States[s])
			}
			printf(cmd, "%s %d\n", padRight("running", 12), stats.Running)
			return nil
		},
	}
}
