// Package runtime gates and drives the external sing-box process: a
// document is only handed to a Runtime after it compiled cleanly.
package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/John-Robertt/boxpilot/internal/compiler"
	"github.com/John-Robertt/boxpilot/internal/model"
)

var (
	ErrAlreadyRunning = errors.New("runtime already running")
	ErrNotRunning     = errors.New("runtime not running")
)

// Runtime supervises one proxy engine process.
type Runtime interface {
	Start(ctx context.Context, doc *compiler.Document) error
	Stop() error
	IsRunning() bool
}

// StartError reports a document the engine refused or a process that did
// not come up. Output holds what the engine printed, if anything.
type StartError struct {
	AppError model.AppError
	Output   string
	Cause    error
}

func (e *StartError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *StartError) Unwrap() error { return e.Cause }

func startError(code, message, output string, cause error) *StartError {
	return &StartError{
		AppError: model.AppError{
			Code:    code,
			Message: message,
			Stage:   "runtime",
			Snippet: truncate(output, 512),
		},
		Output: output,
		Cause:  cause,
	}
}

// Launch compiles sel under pol and starts rt with the result. A structural
// compile error is returned as is and rt is never touched. A running rt is
// stopped first so the new document replaces the old one.
func Launch(ctx context.Context, rt Runtime, sel compiler.Selection, pol model.Policy, log logrus.FieldLogger) (*compiler.Result, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	res, err := compiler.Compile(sel, pol)
	if err != nil {
		return nil, err
	}
	for _, d := range res.Diagnostics {
		log.WithFields(logrus.Fields{"code": d.Code, "field": d.Field}).Warn(d.Message)
	}
	if rt.IsRunning() {
		if err := rt.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
			return nil, fmt.Errorf("stop previous runtime: %w", err)
		}
	}
	if err := rt.Start(ctx, res.Document); err != nil {
		return nil, err
	}
	return res, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
