// Package editor runs one embedded editor session: it keeps the editing
// surface synchronized with a single trusted host over a channel.
package editor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"blocksync/internal/channel"
	"blocksync/internal/logging"
	"blocksync/internal/protocol"
	"blocksync/internal/util"
)

var (
	// ErrNotInitialized is returned by actions that need the host's Init.
	ErrNotInitialized = errors.New("session not initialized")
	// ErrStopped is returned once the session no longer processes events.
	ErrStopped = errors.New("session stopped")
)

// DefaultAutosaveInterval is the autosave period when none is configured.
const DefaultAutosaveInterval = 5 * time.Second

// Surface is the editing surface a session drives.
type Surface interface {
	// Load replaces the surface content. It fails soft: on error the
	// surface keeps whatever it managed to load.
	Load(text string) error
	Serialize() string
}

// StatusReporter receives the append-only status log.
type StatusReporter interface {
	ReportStatus(msg string, isError bool)
}

// StatusFunc adapts a function to StatusReporter.
type StatusFunc func(msg string, isError bool)

func (f StatusFunc) ReportStatus(msg string, isError bool) { f(msg, isError) }

type Options struct {
	// TrustedOrigins is the allow-list of host origins.
	TrustedOrigins []string
	// AutosaveInterval defaults to DefaultAutosaveInterval.
	AutosaveInterval time.Duration
	// View presents merge negotiations. Optional.
	View MergeView
	// Logger defaults to the "editor" component logger.
	Logger *zerolog.Logger
	Now    func() time.Time
	// NewTicker defaults to a time.Ticker.
	NewTicker func(time.Duration) Ticker
}

// Session owns all protocol state for one editor. Every inbound message,
// autosave tick and user action is an event executed to completion by Run,
// so the fields below the mailbox are never touched concurrently.
type Session struct {
	id        string
	surface   Surface
	status    StatusReporter
	view      MergeView
	log       zerolog.Logger
	now       func() time.Time
	interval  time.Duration
	newTicker func(time.Duration) Ticker

	mailbox *mailbox
	done    chan struct{}

	ch             *channel.Channel
	initialized    bool
	currentVersion string
	dirty          bool
	lastEdit       time.Time
	// suppress counts surface loads whose change notifications are still
	// queued; changes are ignored while it is non-zero.
	suppress int
	merge    *Negotiation
	ended    bool
}

func New(surface Surface, status StatusReporter, opts Options) *Session {
	log := logging.Component("editor")
	if opts.Logger != nil {
		log = *opts.Logger
	}
	if opts.AutosaveInterval <= 0 {
		opts.AutosaveInterval = DefaultAutosaveInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewTicker == nil {
		opts.NewTicker = newTimeTicker
	}

	s := &Session{
		id:        util.NewID("ses"),
		surface:   surface,
		status:    status,
		view:      opts.View,
		log:       log,
		now:       opts.Now,
		interval:  opts.AutosaveInterval,
		newTicker: opts.NewTicker,
		mailbox:   newMailbox(),
		done:      make(chan struct{}),
	}
	s.ch = channel.New(channel.NewGate(opts.TrustedOrigins...), log)
	s.ch.Handle(protocol.TypeInit, s.handleInit)
	s.ch.Handle(protocol.TypeSaveAck, s.handleSaveAck)
	s.ch.Handle(protocol.TypeMerge, s.handleMerge)
	return s
}

func (s *Session) ID() string {
	return s.id
}

// Run processes events until ctx ends or the session quits.
func (s *Session) Run(ctx context.Context) error {
	ctx = logging.WithSessionID(ctx, s.id)
	defer close(s.done)
	defer s.mailbox.close()

	ticker := s.newTicker(s.interval)
	defer ticker.Stop()

	s.log.Info().Ctx(ctx).Dur("autosave", s.interval).Msg("session started")
	for {
		s.drain(ctx)
		if s.ended {
			s.log.Info().Ctx(ctx).Msg("session ended")
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			s.mailbox.push(s.tick)
		case <-s.mailbox.notify:
		}
	}
}

// Done is closed when Run returns.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Deliver queues an inbound frame from the transport.
func (s *Session) Deliver(env channel.Envelope) {
	s.mailbox.push(func(ctx context.Context) {
		s.ch.Receive(ctx, env)
	})
}

// NotifyChange is the surface's change listener.
func (s *Session) NotifyChange() {
	s.mailbox.push(s.change)
}

// Tick queues an autosave check.
func (s *Session) Tick() {
	s.mailbox.push(s.tick)
}

// Save sends the surface content on top of the current version.
func (s *Session) Save(ctx context.Context) error {
	return s.call(ctx, s.save)
}

// Quit saves and tells the host the session is over.
func (s *Session) Quit(ctx context.Context) error {
	return s.call(ctx, s.quit)
}

// Compile asks the host to compile the document.
func (s *Session) Compile(ctx context.Context) error {
	return s.call(ctx, s.compile)
}

// Edit runs fn on the session goroutine, the only goroutine allowed to touch
// the surface. Changes fn makes are reported through the surface's listener
// like any other edit.
func (s *Session) Edit(ctx context.Context, fn func() error) error {
	return s.call(ctx, func(context.Context) error {
		return s.guard(fn)
	})
}

// Script serializes the surface.
func (s *Session) Script(ctx context.Context) (string, error) {
	var text string
	err := s.call(ctx, func(context.Context) error {
		var err error
		text, err = s.serialize()
		return err
	})
	return text, err
}

// ConfirmClose returns the veto message when unsent edits exist.
func (s *Session) ConfirmClose(ctx context.Context) (string, bool, error) {
	state, err := s.State(ctx)
	if err != nil {
		return "", false, err
	}
	if state.Dirty {
		return UnsavedChangesMessage, true, nil
	}
	return "", false, nil
}

func (s *Session) State(ctx context.Context) (State, error) {
	var state State
	err := s.call(ctx, func(context.Context) error {
		state = s.snapshot()
		return nil
	})
	return state, err
}

func (s *Session) snapshot() State {
	state := State{
		Initialized:    s.initialized,
		CurrentVersion: s.currentVersion,
		Dirty:          s.dirty,
		LastEdit:       s.lastEdit,
		Merging:        s.merge != nil,
	}
	if peer, ok := s.ch.Peer(); ok {
		state.Peer = peer.Origin
	}
	return state
}

func (s *Session) call(ctx context.Context, fn func(context.Context) error) error {
	result := make(chan error, 1)
	if !s.mailbox.push(func(ctx context.Context) { result <- fn(ctx) }) {
		return ErrStopped
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrStopped
		}
	}
}

func (s *Session) drain(ctx context.Context) {
	for !s.ended {
		ev, ok := s.mailbox.pop()
		if !ok {
			return
		}
		ev(ctx)
	}
}

func (s *Session) handleInit(ctx context.Context, msg protocol.Message) {
	if s.initialized {
		s.log.Warn().Ctx(ctx).Str("base", msg.Script.BaseSnapshot).Msg("ignored repeated init")
		return
	}
	script := *msg.Script

	state, err := decodeEditorState(script.EditorState)
	if err != nil {
		s.log.Warn().Ctx(ctx).Err(err).Msg("unreadable editor state")
	}
	s.load(ctx, script.ScriptText)
	s.initialized = true
	s.log.Info().Ctx(ctx).Msgf("[loaded] cloud version %s (dated from: %s)", script.BaseSnapshot, state.dated())

	s.currentVersion = script.BaseSnapshot
	s.log.Debug().Ctx(ctx).Msgf("[revisions] current version is %s", s.currentVersion)

	if msg.Merge != nil {
		s.promptMerge(ctx, *msg.Merge)
	}
}

func (s *Session) requireInit(ctx context.Context, msg protocol.Message) bool {
	if !s.initialized {
		s.log.Warn().Ctx(ctx).Str("type", string(msg.Type)).Msg("dropped message received before init")
		return false
	}
	return true
}

func (s *Session) change(ctx context.Context) {
	if s.suppress > 0 {
		s.log.Debug().Ctx(ctx).Msg("ignored change caused by load")
		return
	}
	s.dirty = true
	s.lastEdit = s.now()
	s.status.ReportStatus(statusLocalChanges, false)
}

func (s *Session) tick(ctx context.Context) {
	if !s.initialized || !s.dirty {
		return
	}
	if err := s.save(ctx); err != nil {
		s.log.Warn().Ctx(ctx).Err(err).Msg("autosave failed")
	}
}

func (s *Session) quit(ctx context.Context) error {
	if err := s.save(ctx); err != nil {
		return err
	}
	if err := s.ch.Send(ctx, protocol.NewQuit()); err != nil {
		return err
	}
	s.ended = true
	return nil
}

func (s *Session) compile(ctx context.Context) error {
	if !s.initialized {
		return ErrNotInitialized
	}
	return s.ch.Send(ctx, protocol.NewCompile())
}

// load replaces the surface content without counting the surface's own
// change notification as an edit.
func (s *Session) load(ctx context.Context, text string) {
	s.suppress++
	if err := s.guard(func() error { return s.surface.Load(text) }); err != nil {
		s.log.Error().Ctx(ctx).Err(err).Msg("load script")
		s.status.ReportStatus(statusLoadFailed, true)
	}
	// queued behind the change notifications emitted by Load
	s.mailbox.push(func(context.Context) { s.suppress-- })
}

func (s *Session) serialize() (text string, err error) {
	err = s.guard(func() error {
		text = s.surface.Serialize()
		return nil
	})
	return text, err
}

// guard turns a panic raised by the surface into an error.
func (s *Session) guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("surface panic: %v", r)
		}
	}()
	return fn()
}
