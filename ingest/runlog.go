package ingest

import (
	"fmt"
	"strings"
	"time"
)

// Item dispositions written to the run log and the sync item metric.
const (
	dispositionAttempt = "attempt"
	dispositionAdded   = "added"
	dispositionExists  = "exists"
	dispositionFailed  = "failed"
)

// runLog accumulates the human-readable trace stored in SyncRun.LogText.
type runLog struct {
	b   strings.Builder
	now func() time.Time
}

func newRunLog(now func() time.Time) *runLog {
	return &runLog{now: now}
}

func (l *runLog) printf(format string, args ...any) {
	fmt.Fprintf(&l.b, "%s ", l.now().UTC().Format(time.TimeOnly))
	fmt.Fprintf(&l.b, format, args...)
	l.b.WriteByte('\n')
}

func (l *runLog) item(disposition, url, title string) {
	l.printf("%-7s %s %q", disposition, url, title)
}

func (l *runLog) String() string {
	return l.b.String()
}
