package service

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SessionLogger appends the progress of one session to
// <output>/sessions/<id>.log. It doubles as the retry progress sink, so
// backoff waits reach both the log and the session's progress text.
type SessionLogger struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	log      *slog.Logger
	progress func(string)
}

func NewSessionLogger(baseDir, sessionID string) (*SessionLogger, error) {
	logsDir := filepath.Join(baseDir, "sessions")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return nil, err
	}
	p := filepath.Join(logsDir, fmt.Sprintf("%s.log", sessionID))
	f, err := os.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	h := slog.NewTextHandler(f, &slog.HandlerOptions{
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.String(slog.TimeKey, a.Value.Time().Format(time.DateTime))
			}
			return a
		},
	})
	return &SessionLogger{path: p, file: f, log: slog.New(h).With("session", sessionID)}, nil
}

// OnProgress installs the callback receiving retry progress messages.
func (l *SessionLogger) OnProgress(fn func(string)) {
	l.mu.Lock()
	l.progress = fn
	l.mu.Unlock()
}

func (l *SessionLogger) Log(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	l.log.Info(msg)
}

func (l *SessionLogger) RetryProgress(attempt int, wait time.Duration, message string) {
	l.mu.Lock()
	if l.file != nil {
		l.log.Warn(message, "attempt", attempt, "wait", wait)
	}
	fn := l.progress
	l.mu.Unlock()
	if fn != nil {
		fn(message)
	}
}

func (l *SessionLogger) Path() string { return l.path }

func (l *SessionLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
