package downloader

import (
	"fmt"

	"github.com/technosupport/protect-downloader/internal/nvr"
)

// DownloadError is the failure outcome of one queued download attempt.
// RetriesRemaining is the budget the failed attempt ran with.
type DownloadError struct {
	Event            nvr.MotionEvent
	RetriesRemaining int
	Err              error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download %s (retries remaining %d): %v", e.Event, e.RetriesRemaining, e.Err)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}
