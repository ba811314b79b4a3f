package cli

import (
	"io"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/agentregistry-dev/dirsync/internal/syncer/jobs"
)

// jobProgress renders job snapshots as a progress bar. The total is unknown
// until the first snapshot arrives, so the bar starts as a spinner.
type jobProgress struct {
	bar   *progressbar.ProgressBar
	total int
}

func newJobProgress(w io.Writer, family jobs.Family) *jobProgress {
	return &jobProgress{
		bar: progressbar.NewOptions64(-1,
			progressbar.OptionSetDescription(string(family)),
			progressbar.OptionSetWriter(w),
			progressbar.OptionShowCount(),
			progressbar.OptionSetItsString("records"),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionClearOnFinish(),
		),
	}
}

func (p *jobProgress) update(s *jobs.Snapshot) {
	if s.Progress.Total > 0 && s.Progress.Total != p.total {
		p.total = s.Progress.Total
		p.bar.ChangeMax(p.total)
	}
	_ = p.bar.Set(s.Progress.Current)
}

func (p *jobProgress) finish() {
	_ = p.bar.Finish()
}
