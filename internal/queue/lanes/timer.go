package lanes

import (
	"time"

	"github.com/banshee-data/queue.report/internal/queue"
)

// Elapsed returns how long the entry has been served as of now. A current
// entry reports now minus its service start, a completed entry its frozen
// service duration, and a waiting entry zero.
func Elapsed(e queue.QueueEntry, now time.Time) time.Duration {
	switch e.State {
	case queue.StateCurrent:
		if d := now.Sub(e.StartAt); d > 0 {
			return d
		}
		return 0
	case queue.StateCompleted:
		return e.EndAt.Sub(e.StartAt)
	default:
		return 0
	}
}

// Waited returns how long the entry waited (or has been waiting) before
// service.
func Waited(e queue.QueueEntry, now time.Time) time.Duration {
	end := now
	if e.State != queue.StateWaiting {
		end = e.StartAt
	}
	if d := end.Sub(e.EntryAt); d > 0 {
		return d
	}
	return 0
}
