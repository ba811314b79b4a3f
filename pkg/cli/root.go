// Package cli implements the dirsync command line.
package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentregistry-dev/dirsync/internal/client"
	"github.com/agentregistry-dev/dirsync/internal/syncer"
	v0 "github.com/agentregistry-dev/dirsync/internal/syncer/api/handlers/v0"
	"github.com/agentregistry-dev/dirsync/internal/syncer/jobs"
	"github.com/agentregistry-dev/dirsync/internal/version"
	"github.com/agentregistry-dev/dirsync/pkg/printer"
)

type globalOptions struct {
	serverURL string
	output    string
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "dirsync",
		Short:         "Bulk directory user sync",
		Long:          `dirsync imports, deletes and exports directory users in bulk and streams progress to observers.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.serverURL, "server", os.Getenv("DIRSYNC_API_BASE_URL"),
		"dirsync API base URL including /v0 (default "+client.DefaultBaseURL+")")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "table", "Output format: table, json or yaml")

	root.AddCommand(
		newServeCmd(),
		newVersionCmd(opts),
		newStatusCmd(opts),
		newHealthCmd(opts),
		newUploadCmd(opts, jobs.FamilyImport),
		newUploadCmd(opts, jobs.FamilyDelete),
		newExportCmd(opts),
		newCancelCmd(opts),
		newResetCmd(opts),
	)
	return root
}

var rootCmd = NewRootCmd()

// Root returns the process command tree.
func Root() *cobra.Command {
	return rootCmd
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func (o *globalOptions) client() *client.Client {
	return client.NewClient(o.serverURL)
}

func (o *globalOptions) printer(cmd *cobra.Command) (*printer.Printer, error) {
	t, err := printer.ParseOutputType(o.output)
	if err != nil {
		return nil, err
	}
	return printer.New(cmd.OutOrStdout(), t), nil
}

func parseFamilies(args []string) ([]jobs.Family, error) {
	if len(args) == 0 {
		return jobs.Families, nil
	}
	out := make([]jobs.Family, 0, len(args))
	for _, a := range args {
		f, err := jobs.ParseFamily(a)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the dirsync API server",
		Long:  "Runs the API server. Configuration is read from DIRSYNC_* environment variables and an optional .env file.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return syncer.App(cmd.Context())
		},
	}
}

func newVersionCmd(opts *globalOptions) *cobra.Command {
	var remote bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := opts.printer(cmd)
			if err != nil {
				return err
			}
			info := map[string]string{
				"version":    version.Version,
				"git_commit": version.GitCommit,
				"build_time": version.BuildDate,
			}
			if remote {
				v, err := opts.client().Version(cmd.Context())
				if err != nil {
					return fmt.Errorf("failed to fetch server version: %w", err)
				}
				info["server_version"] = v.Version
			}
			return p.Print(info, func() printer.Table {
				t := printer.Table{Headers: []string{"Component", "Version", "Commit", "Built"}}
				t.AddRow("client", info["version"], info["git_commit"], info["build_time"])
				if remote {
					t.AddRow("server", info["server_version"], "-", "-")
				}
				return t
			})
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "Also query the server version")
	return cmd
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "status [family...]",
		Short:     "Show job status",
		ValidArgs: []string{"import", "delete", "export"},
		Args:      cobra.OnlyValidArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			families, err := parseFamilies(args)
			if err != nil {
				return err
			}
			p, err := opts.printer(cmd)
			if err != nil {
				return err
			}
			c := opts.client()
			snaps := make([]*jobs.Snapshot, 0, len(families))
			for _, f := range families {
				snap, err := c.JobStatus(cmd.Context(), f)
				if err != nil {
					return fmt.Errorf("failed to get %s status: %w", f, err)
				}
				snaps = append(snaps, snap)
			}
			return p.Print(snaps, func() printer.Table {
				t := printer.Table{Headers: []string{"Family", "Status", "Session", "Progress", "Succeeded", "Errors", "Skipped", "Duration"}}
				for _, s := range snaps {
					t.AddRow(s.Family, s.Status, printer.EmptyValueOrDefault(s.SessionID, "-"),
						fmt.Sprintf("%d/%d (%d%%)", s.Progress.Current, s.Progress.Total, s.Progress.Percentage),
						s.Statistics.Succeeded, s.Statistics.Errors, s.Statistics.Skipped,
						printer.FormatDurationMs(s.Timing.Duration))
				}
				return t
			})
		},
	}
}

func newHealthCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show server health and circuit state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := opts.printer(cmd)
			if err != nil {
				return err
			}
			h, err := opts.client().Health(cmd.Context())
			if err != nil {
				return err
			}
			return p.Print(h, func() printer.Table {
				t := printer.Table{Headers: []string{"Circuit", "State", "Failures", "Rejected"}}
				for _, c := range h.Circuits {
					t.AddRow(c.Name, c.State, c.FailureCount, c.TotalRejected)
				}
				return t
			})
		},
	}
}

func newUploadCmd(opts *globalOptions, family jobs.Family) *cobra.Command {
	var (
		upload client.UploadOptions
		wait   bool
	)
	cmd := &cobra.Command{
		Use:   string(family) + " <file.csv>",
		Short: fmt.Sprintf("Start a bulk %s from a CSV file", family),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := opts.printer(cmd)
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()

			c := opts.client()
			resp, err := c.UploadCSV(cmd.Context(), family, f, upload)
			if err != nil {
				return err
			}
			p.Success("%s started (session %s)", family, resp.SessionID)
			if resp.Rejected > 0 {
				p.Info("%d rows skipped for lacking an id, username or email", resp.Rejected)
			}
			if !wait {
				return nil
			}
			return waitAndReport(cmd, c, p, family)
		},
	}
	cmd.Flags().IntVar(&upload.ChunkSize, "chunk-size", 0, "Records per chunk (server default when 0)")
	cmd.Flags().IntVar(&upload.Concurrency, "concurrency", 0, "Concurrent requests per chunk (server default when 0)")
	cmd.Flags().StringVar(&upload.SessionID, "session", "", "Session id for progress events")
	cmd.Flags().StringVar(&upload.PopulationID, "population", "", "Target population")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the job to finish")
	return cmd
}

func newExportCmd(opts *globalOptions) *cobra.Command {
	var (
		population string
		outFile    string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a population to CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := opts.printer(cmd)
			if err != nil {
				return err
			}
			c := opts.client()
			resp, err := c.StartJob(cmd.Context(), jobs.FamilyExport, v0.StartJobRequest{PopulationID: population})
			if err != nil {
				return err
			}
			p.Success("export started (session %s)", resp.SessionID)
			progress := newJobProgress(cmd.ErrOrStderr(), jobs.FamilyExport)
			snap, err := c.WaitForJob(cmd.Context(), jobs.FamilyExport, time.Second, progress.update)
			progress.finish()
			if err != nil {
				return err
			}
			if snap.Status != jobs.StatusCompleted {
				return fmt.Errorf("export %s: %s", snap.Status, snap.Error)
			}

			out := cmd.OutOrStdout()
			if outFile != "" {
				f, err := os.Create(outFile)
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				out = f
			}
			if err := c.DownloadExport(cmd.Context(), out); err != nil {
				return err
			}
			if outFile != "" {
				p.Success("wrote %d users to %s", snap.Statistics.Succeeded, outFile)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&population, "population", "", "Population to export (server default when empty)")
	cmd.Flags().StringVarP(&outFile, "file", "f", "", "Write the CSV to a file instead of stdout")
	return cmd
}

func newCancelCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "cancel <family>",
		Short:     "Cancel a running job",
		ValidArgs: []string{"import", "delete", "export"},
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := opts.printer(cmd)
			if err != nil {
				return err
			}
			family := jobs.Family(args[0])
			if err := opts.client().CancelJob(cmd.Context(), family); err != nil {
				if client.IsConflict(err) {
					return fmt.Errorf("no %s job is running", family)
				}
				return err
			}
			p.Success("cancellation of %s requested", family)
			return nil
		},
	}
}

func newResetCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "reset <family>",
		Short:     "Reset job state",
		ValidArgs: []string{"import", "delete", "export"},
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := opts.printer(cmd)
			if err != nil {
				return err
			}
			family := jobs.Family(args[0])
			if err := opts.client().ResetJob(cmd.Context(), family); err != nil {
				return err
			}
			p.Success("%s state reset", family)
			return nil
		},
	}
}

func waitAndReport(cmd *cobra.Command, c *client.Client, p *printer.Printer, family jobs.Family) error {
	progress := newJobProgress(cmd.ErrOrStderr(), family)
	snap, err := c.WaitForJob(cmd.Context(), family, time.Second, progress.update)
	progress.finish()
	if err != nil {
		return err
	}
	p.Info("%s %s: %d succeeded, %d errors, %d skipped", family, snap.Status,
		snap.Statistics.Succeeded, snap.Statistics.Errors, snap.Statistics.Skipped)
	if snap.Status != jobs.StatusCompleted {
		return fmt.Errorf("%s %s", family, snap.Status)
	}
	return nil
}
