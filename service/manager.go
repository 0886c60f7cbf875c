package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ibreez3/story-echo/config"
	"github.com/ibreez3/story-echo/metrics"
	"github.com/ibreez3/story-echo/retry"
	"github.com/ibreez3/story-echo/story"
)

// ImagesURLPrefix is where the server exposes the images directory.
const ImagesURLPrefix = "/static/images"

const storeTimeout = 5 * time.Second

var errSkip = errors.New("skip save")

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// sessionLog is an open session log shared by the tasks of one session.
type sessionLog struct {
	*SessionLogger
	refs int
}

// Manager runs interactive story sessions. Every generation step runs as a
// cancellable background task bounded by the job timeout; callers poll the
// session snapshot for progress.
type Manager struct {
	cfg    config.Config
	store  Store
	text   retry.Endpoint
	images retry.Endpoint
	sleep  retry.SleepFunc
	logger *slog.Logger

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	// sessMu serializes load-modify-save of snapshots.
	sessMu sync.Mutex

	mu         sync.Mutex
	closed     bool
	stories    map[string]*task
	comics     map[string]*task
	suggesting map[string]bool
	loggers    map[string]*sessionLog
}

func NewManager(cfg config.Config, store Store, text retry.Endpoint, images retry.Endpoint) *Manager {
	base, stop := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg,
		store:      store,
		text:       text,
		images:     images,
		logger:     slog.Default().With("component", "sessions"),
		base:       base,
		stop:       stop,
		stories:    map[string]*task{},
		comics:     map[string]*task{},
		suggesting: map[string]bool{},
		loggers:    map[string]*sessionLog{},
	}
}

// WithSleep replaces the backoff sleep between attempts of every call.
func (m *Manager) WithSleep(sleep retry.SleepFunc) *Manager {
	m.sleep = sleep
	return m
}

// Start creates a session for theme and generates its characters,
// initial situation and title in the background.
func (m *Manager) Start(theme string) (Session, error) {
	theme = strings.TrimSpace(theme)
	if theme == "" {
		return Session{}, ErrEmptyTheme
	}
	if m.isClosed() {
		return Session{}, ErrManagerClosed
	}
	now := time.Now()
	s := Session{
		ID:          uuid.NewString(),
		Theme:       theme,
		Status:      StatusInitializing,
		Phase:       story.PhaseStart,
		Progress:    "generating characters",
		Story:       story.Story{Theme: theme},
		ComicStatus: ComicNotStarted,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if l := m.acquireLogger(s.ID); l != nil {
		s.LogPath = l.Path()
		l.Log("session started, theme: " + theme)
		m.releaseLogger(s.ID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := m.store.Save(ctx, s); err != nil {
		return Session{}, err
	}
	metrics.SessionsStarted.Inc()
	m.logger.Info("session started", "session", s.ID)

	id := s.ID
	if err := m.spawn(m.stories, id, func(ctx context.Context) { m.runSetup(ctx, id, theme) }); err != nil {
		return Session{}, err
	}
	return s, nil
}

// Continue generates the next phase, steered by the optional direction.
// A session that failed after its setup resumes at the failed step.
func (m *Manager) Continue(id string, direction string) (Session, error) {
	if m.isClosed() {
		return Session{}, ErrManagerClosed
	}
	s, err := m.update(id, func(s *Session) error {
		switch s.Status {
		case StatusInitializing, StatusGenerating:
			return ErrSessionBusy
		case StatusComplete:
			return ErrSessionComplete
		case StatusCanceled:
			return ErrSessionNotReady
		case StatusError:
			if len(s.Story.Characters) == 0 {
				return ErrSessionNotReady
			}
		}
		switch {
		case s.Phase.Narrative():
			s.Progress = s.Phase.Label()
		case s.Phase == story.PhaseComplete && s.Status == StatusError:
			s.Progress = "writing the summary"
		default:
			return ErrSessionNotReady
		}
		s.Status = StatusGenerating
		s.Error = ""
		return nil
	})
	if err != nil {
		return Session{}, err
	}
	phase := s.Phase
	direction = strings.TrimSpace(direction)
	m.logf(id, fmt.Sprintf("continue %s, direction: %q", phase, direction))
	if err := m.spawn(m.stories, id, func(ctx context.Context) { m.runPhase(ctx, id, phase, direction) }); err != nil {
		m.fail(m.base, id, err)
		return Session{}, err
	}
	return s, nil
}

// Cancel stops any running task of the session. A session whose story is
// not finished becomes canceled.
func (m *Manager) Cancel(id string) (Session, error) {
	m.mu.Lock()
	for _, t := range []*task{m.stories[id], m.comics[id]} {
		if t != nil {
			t.cancel()
		}
	}
	m.mu.Unlock()

	canceled := false
	s, err := m.update(id, func(s *Session) error {
		changed := false
		if !s.Done() {
			s.Status = StatusCanceled
			s.Progress = "canceled"
			canceled = true
			changed = true
		}
		if s.ComicStatus == ComicGenerating {
			s.ComicStatus = ComicError
			s.ComicError = "canceled"
			changed = true
		}
		if !changed {
			return errSkip
		}
		return nil
	})
	if err != nil {
		return Session{}, err
	}
	if canceled {
		metrics.SessionsFinished.WithLabelValues(string(StatusCanceled)).Inc()
		m.logf(id, "session canceled")
	}
	return s, nil
}

func (m *Manager) Get(id string) (Session, error) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	return m.store.Load(ctx, id)
}

// Result returns the finished story. It fails with ErrSessionNotReady until
// the session is complete.
func (m *Manager) Result(id string) (Result, error) {
	s, err := m.Get(id)
	if err != nil {
		return Result{}, err
	}
	if s.Status != StatusComplete {
		return Result{}, ErrSessionNotReady
	}
	return s.Result(), nil
}

func (m *Manager) Comic(id string) (ComicStatus, []story.ComicPanel, error) {
	s, err := m.Get(id)
	if err != nil {
		return "", nil, err
	}
	return s.ComicStatus, s.Comic, nil
}

// RetryComic draws the comic of a complete session again.
func (m *Manager) RetryComic(id string) (Session, error) {
	if m.isClosed() {
		return Session{}, ErrManagerClosed
	}
	s, err := m.update(id, func(s *Session) error {
		if s.Status != StatusComplete {
			return ErrSessionNotReady
		}
		if s.ComicStatus == ComicGenerating {
			return ErrSessionBusy
		}
		s.ComicStatus = ComicGenerating
		s.ComicError = ""
		s.Comic = nil
		return nil
	})
	if err != nil {
		return Session{}, err
	}
	m.logf(id, "comic retry requested")
	m.startComic(id)
	return s, nil
}

// Suggestions returns the cached directions for the session's next phase.
// When none are cached yet, generation starts in the background and the
// result is marked pending.
func (m *Manager) Suggestions(id string) (Suggestions, error) {
	s, err := m.Get(id)
	if err != nil {
		return Suggestions{}, err
	}
	phase := s.Phase
	if s.Status == StatusInitializing {
		phase = story.PhaseKi
	}
	if !phase.Narrative() {
		return Suggestions{Phase: phase}, nil
	}
	if items, ok := s.Suggestions[phase]; ok {
		return Suggestions{Phase: phase, Items: items}, nil
	}

	key := id + ":" + string(phase)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Suggestions{Phase: phase}, nil
	}
	if !m.suggesting[key] {
		m.suggesting[key] = true
		st := s.Story
		m.goTask(id, func(ctx context.Context) { m.runSuggestions(ctx, id, key, phase, st) })
	}
	m.mu.Unlock()
	return Suggestions{Phase: phase, Pending: true}, nil
}

// Wait blocks until the story task of the session, and the comic task it
// started, have returned.
func (m *Manager) Wait(ctx context.Context, id string) error {
	m.mu.Lock()
	t := m.stories[id]
	m.mu.Unlock()
	if err := waitTask(ctx, t); err != nil {
		return err
	}
	m.mu.Lock()
	c := m.comics[id]
	m.mu.Unlock()
	return waitTask(ctx, c)
}

func waitTask(ctx context.Context, t *task) error {
	if t == nil {
		return nil
	}
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels every running task, waits for them and closes session logs.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.stop()
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, l := range m.loggers {
		_ = l.Close()
		delete(m.loggers, id)
	}
}

// OpenLogs counts the session log files currently held open.
func (m *Manager) OpenLogs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.loggers)
}

// Running counts the story and comic tasks that have not returned.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stories) + len(m.comics)
}

func (m *Manager) runSetup(ctx context.Context, id string, theme string) {
	setup, err := m.generator(id, true).Setup(ctx, theme)
	if err != nil {
		m.fail(ctx, id, err)
		return
	}
	_, err = m.update(id, func(s *Session) error {
		if ctx.Err() != nil || s.Status == StatusCanceled {
			return errSkip
		}
		s.Story.Apply(setup)
		s.Status = StatusReady
		s.Phase = story.PhaseKi
		s.Progress = "ready"
		return nil
	})
	if err != nil {
		m.logger.Error("save session", "session", id, "error", err)
		return
	}
	m.logf(id, "setup complete: "+setup.Title)
}

func (m *Manager) runPhase(ctx context.Context, id string, phase story.Phase, direction string) {
	gen := m.generator(id, true)
	s, err := m.Get(id)
	if err != nil {
		m.logger.Error("load session", "session", id, "error", err)
		return
	}

	if phase.Narrative() {
		scene, err := gen.Phase(ctx, s.Story, phase, direction)
		if err != nil {
			m.fail(ctx, id, err)
			return
		}
		next := phase.Next()
		s, err = m.update(id, func(sess *Session) error {
			if ctx.Err() != nil || sess.Status == StatusCanceled {
				return errSkip
			}
			sess.Story.Scenes = append(sess.Story.Scenes, scene)
			sess.Phase = next
			if next == story.PhaseComplete {
				sess.Progress = "writing the summary"
			} else {
				sess.Status = StatusContinue
				sess.Progress = ""
			}
			return nil
		})
		if err != nil {
			m.logger.Error("save session", "session", id, "error", err)
			return
		}
		m.logf(id, fmt.Sprintf("%s scene written", phase))
		if s.Status != StatusGenerating {
			return
		}
	}

	summary, err := gen.Summarize(ctx, s.Story)
	if err != nil {
		m.fail(ctx, id, err)
		return
	}
	s, err = m.update(id, func(sess *Session) error {
		if ctx.Err() != nil || sess.Status == StatusCanceled {
			return errSkip
		}
		sess.Story.Summary = summary
		sess.Status = StatusComplete
		sess.Progress = "complete"
		sess.ComicStatus = ComicGenerating
		sess.ComicError = ""
		return nil
	})
	if err != nil {
		m.logger.Error("save session", "session", id, "error", err)
		return
	}
	if s.Status != StatusComplete {
		return
	}
	metrics.SessionsFinished.WithLabelValues(string(StatusComplete)).Inc()
	m.logf(id, "story complete")
	m.startComic(id)
}

func (m *Manager) startComic(id string) {
	err := m.spawn(m.comics, id, func(ctx context.Context) { m.runComic(ctx, id) })
	if err == nil {
		return
	}
	_, _ = m.update(id, func(s *Session) error {
		s.ComicStatus = ComicError
		s.ComicError = err.Error()
		return nil
	})
}

func (m *Manager) runComic(ctx context.Context, id string) {
	s, err := m.Get(id)
	if err != nil {
		m.logger.Error("load session", "session", id, "error", err)
		return
	}
	panels, err := m.generator(id, false).Comic(ctx, s.Story, m.cfg.Output.ImagesDir, id+"_16panel.png")
	if err != nil {
		metrics.ImagesGenerated.WithLabelValues("error").Inc()
		m.logf(id, "comic failed: "+err.Error())
		_, _ = m.update(id, func(sess *Session) error {
			if sess.ComicStatus != ComicGenerating {
				return errSkip
			}
			sess.ComicStatus = ComicError
			sess.ComicError = err.Error()
			return nil
		})
		return
	}
	result := "ok"
	for i := range panels {
		if panels[i].ImageURL != "" {
			panels[i].ImageURL = ImagesURLPrefix + "/" + panels[i].ImageURL
		}
		if panels[i].Error != "" {
			result = "error"
		}
	}
	metrics.ImagesGenerated.WithLabelValues(result).Inc()
	_, _ = m.update(id, func(sess *Session) error {
		if ctx.Err() != nil || sess.ComicStatus != ComicGenerating {
			return errSkip
		}
		sess.ComicStatus = ComicComplete
		sess.Comic = panels
		return nil
	})
	m.logf(id, "comic finished: "+result)
}

func (m *Manager) runSuggestions(ctx context.Context, id string, key string, phase story.Phase, st story.Story) {
	defer func() {
		m.mu.Lock()
		delete(m.suggesting, key)
		m.mu.Unlock()
	}()
	items, err := m.generator(id, false).Suggest(ctx, st, phase)
	if err != nil {
		m.logf(id, fmt.Sprintf("suggestions for %s failed: %v", phase, err))
		return
	}
	_, _ = m.update(id, func(s *Session) error {
		if s.Suggestions == nil {
			s.Suggestions = map[story.Phase][]string{}
		}
		s.Suggestions[phase] = items
		return nil
	})
}

// fail records err on the session. ctx is the task context, which tells a
// cancellation or job timeout apart from a failed call.
func (m *Manager) fail(ctx context.Context, id string, err error) {
	status := StatusError
	msg := err.Error()
	switch ctx.Err() {
	case context.Canceled:
		status = StatusCanceled
		msg = ""
	case context.DeadlineExceeded:
		msg = fmt.Sprintf("generation did not finish within %d minutes", m.cfg.Server.JobTimeoutMin)
	}
	changed := false
	_, uerr := m.update(id, func(s *Session) error {
		if s.Status == StatusCanceled {
			return errSkip
		}
		s.Status = status
		s.Error = msg
		s.Progress = ""
		changed = true
		return nil
	})
	if uerr != nil {
		m.logger.Error("save session", "session", id, "error", uerr)
	}
	if changed {
		metrics.SessionsFinished.WithLabelValues(string(status)).Inc()
		m.logger.Warn("session failed", "session", id, "status", status, "error", err)
		m.logf(id, "failed: "+err.Error())
	}
}

// update applies fn to the stored snapshot and saves it. fn may return
// errSkip to leave the snapshot untouched.
func (m *Manager) update(id string, fn func(*Session) error) (Session, error) {
	m.sessMu.Lock()
	defer m.sessMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	s, err := m.store.Load(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if err := fn(&s); err != nil {
		if errors.Is(err, errSkip) {
			return s, nil
		}
		return Session{}, err
	}
	s.UpdatedAt = time.Now()
	if err := m.store.Save(ctx, s); err != nil {
		return Session{}, err
	}
	return s, nil
}

// spawn runs fn as the task of id in tasks. The entry is removed once the
// task returns.
func (m *Manager) spawn(tasks map[string]*task, id string, fn func(ctx context.Context)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	var t *task
	t = m.goTask(id, func(ctx context.Context) {
		fn(ctx)
		m.mu.Lock()
		if tasks[id] == t {
			delete(tasks, id)
		}
		m.mu.Unlock()
	})
	tasks[id] = t
	return nil
}

// goTask runs fn for session id, holding the session log open while it
// runs. It must be called with m.mu held.
func (m *Manager) goTask(id string, fn func(ctx context.Context)) *task {
	var ctx context.Context
	var cancel context.CancelFunc
	if timeout := m.cfg.JobTimeout(); timeout > 0 {
		ctx, cancel = context.WithTimeout(m.base, timeout)
	} else {
		ctx, cancel = context.WithCancel(m.base)
	}
	t := &task{cancel: cancel, done: make(chan struct{})}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(t.done)
		defer cancel()
		if m.acquireLogger(id) != nil {
			defer m.releaseLogger(id)
		}
		fn(ctx)
	}()
	return t
}

func (m *Manager) generator(id string, progress bool) *story.Generator {
	opts := []retry.Option{retry.WithLogger(m.logger.With("session", id))}
	if m.sleep != nil {
		opts = append(opts, retry.WithSleep(m.sleep))
	}
	l := m.sessionLogger(id)
	if l != nil && progress {
		opts = append(opts, retry.WithProgress(l))
	}
	gen := story.NewGenerator(retry.NewExecutor(opts...), m.text).
		WithImages(m.images).
		WithPolicy(m.cfg.RetryPolicy()).
		WithPacing(m.cfg.Pace())
	if l != nil {
		gen.WithLogger(l.Log)
	}
	return gen
}

// sessionLogger returns the open log of id, or nil when no task holds one.
func (m *Manager) sessionLogger(id string) *SessionLogger {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.loggers[id]; ok {
		return l.SessionLogger
	}
	return nil
}

// acquireLogger opens the log of id, or shares the one already open. Every
// non-nil result must be paired with releaseLogger.
func (m *Manager) acquireLogger(id string) *SessionLogger {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.loggers[id]; ok {
		l.refs++
		return l.SessionLogger
	}
	l, err := NewSessionLogger(m.cfg.Output.Dir, id)
	if err != nil {
		m.logger.Warn("open session log", "session", id, "error", err)
		return nil
	}
	l.OnProgress(func(msg string) {
		_, _ = m.update(id, func(s *Session) error {
			if s.Done() {
				return errSkip
			}
			s.Progress = msg
			return nil
		})
	})
	m.loggers[id] = &sessionLog{SessionLogger: l, refs: 1}
	return l
}

// releaseLogger closes the log of id once its last holder releases it.
func (m *Manager) releaseLogger(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.loggers[id]
	if !ok {
		return
	}
	l.refs--
	if l.refs > 0 {
		return
	}
	_ = l.Close()
	delete(m.loggers, id)
}

func (m *Manager) logf(id string, msg string) {
	if l := m.acquireLogger(id); l != nil {
		l.Log(msg)
		m.releaseLogger(id)
	}
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
