// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/stratabuild/strata/internal/issue"
)

// ServiceError is a classified failure ready for display: the styled
// one-line message followed by the issue catalog entry, if any.
type ServiceError struct {
	Err           error
	IssueID       issue.Id
	StyledMessage string
}

// newServiceError panics on a nil err; a ServiceError always wraps a cause.
func newServiceError(err error, id issue.Id, styled string) *ServiceError {
	if err == nil {
		panic("cmd: ServiceError without a cause")
	}
	return &ServiceError{Err: err, IssueID: id, StyledMessage: styled}
}

func (e *ServiceError) Error() string { return e.Err.Error() }

func (e *ServiceError) Unwrap() error { return e.Err }

// render writes the message and the linked catalog entry to w.
func (e *ServiceError) render(w io.Writer) {
	fmt.Fprint(w, e.StyledMessage)
	entry := issue.Get(e.IssueID)
	if entry == nil {
		return
	}
	text, err := entry.Render(issueStyle(w))
	if err != nil {
		slog.Warn("cannot render issue entry", slog.Int("issue", int(e.IssueID)), slog.Any("error", err))
		return
	}
	fmt.Fprint(w, text)
}

// issueStyle is the glamour style for w: "dark" on a terminal, "notty"
// for pipes, files and buffers.
func issueStyle(w io.Writer) string {
	if f, ok := w.(*os.File); ok {
		if info, err := f.Stat(); err == nil && info.Mode()&os.ModeCharDevice != 0 {
			return "dark"
		}
	}
	return "notty"
}
