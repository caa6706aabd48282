package audit

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/osprey-sec/osprey/pkg/oserr"
)

// OpenConsole opens the session's console.log for appending and returns a
// slog handler that mirrors process logs into it. Install it with TeeHandler
// so operators see the same stream on stderr and in the audit directory.
func OpenConsole(dir string) (slog.Handler, *os.File, error) {
	f, err := os.OpenFile(filepath.Join(dir, consoleFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, oserr.Filesystem(fmt.Errorf("open console log: %w", err))
	}
	return slog.NewTextHandler(f, nil), f, nil
}

// TeeHandler fans every record out to both handlers. Enabled delegates to
// either; a failure on one side does not suppress the other.
type TeeHandler struct {
	a, b slog.Handler
}

func NewTeeHandler(a, b slog.Handler) *TeeHandler {
	return &TeeHandler{a: a, b: b}
}

func (t *TeeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return t.a.Enabled(ctx, level) || t.b.Enabled(ctx, level)
}

func (t *TeeHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	if t.a.Enabled(ctx, r.Level) {
		firstErr = t.a.Handle(ctx, r.Clone())
	}
	if t.b.Enabled(ctx, r.Level) {
		if err := t.b.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *TeeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TeeHandler{a: t.a.WithAttrs(attrs), b: t.b.WithAttrs(attrs)}
}

func (t *TeeHandler) WithGroup(name string) slog.Handler {
	return &TeeHandler{a: t.a.WithGroup(name), b: t.b.WithGroup(name)}
}
