package editor

import (
	"context"
	"errors"

	"blocksync/internal/protocol"
)

// ErrNoMerge is returned by merge actions when no negotiation is active.
var ErrNoMerge = errors.New("no merge in progress")

// Negotiation is an active merge. Mine is the surface content captured when
// the host reported the conflict.
type Negotiation struct {
	Mine   protocol.Snapshot
	Base   protocol.Snapshot
	Theirs protocol.Snapshot
}

// MergeView presents a negotiation to the user. ClearMerge removes whatever
// ShowMerge put up.
type MergeView interface {
	ShowMerge(n Negotiation)
	ClearMerge()
}

// ViewMine loads the content captured when the merge was reported.
func (s *Session) ViewMine(ctx context.Context) error {
	return s.call(ctx, s.inspectMine)
}

// ViewTheirs loads the host's conflicting content.
func (s *Session) ViewTheirs(ctx context.Context) error {
	return s.call(ctx, s.inspectTheirs)
}

// ViewBase loads the common ancestor.
func (s *Session) ViewBase(ctx context.Context) error {
	return s.call(ctx, s.inspectBase)
}

// FinishMerge adopts theirs as the base and saves the surface as it is now.
func (s *Session) FinishMerge(ctx context.Context) error {
	return s.call(ctx, s.finishMerge)
}

// Negotiation returns a copy of the active merge.
func (s *Session) Negotiation(ctx context.Context) (Negotiation, bool, error) {
	var (
		n  Negotiation
		ok bool
	)
	err := s.call(ctx, func(context.Context) error {
		if s.merge != nil {
			n, ok = *s.merge, true
		}
		return nil
	})
	return n, ok, err
}

func (s *Session) handleMerge(ctx context.Context, msg protocol.Message) {
	if !s.requireInit(ctx, msg) {
		return
	}
	s.promptMerge(ctx, *msg.Merge)
}

func (s *Session) promptMerge(ctx context.Context, pending protocol.PendingMerge) {
	s.log.Debug().Ctx(ctx).Msgf("[merge] merge request, base = %s, theirs = %s, mine = %s",
		pending.Base.BaseSnapshot, pending.Theirs.BaseSnapshot, s.currentVersion)

	mine, err := s.serialize()
	if err != nil {
		s.log.Error().Ctx(ctx).Err(err).Msg("capture local script for merge")
	}
	if s.merge != nil {
		s.log.Info().Ctx(ctx).Str("theirs", s.merge.Theirs.BaseSnapshot).Msg("replaced unresolved merge")
	}
	if s.view != nil {
		s.view.ClearMerge()
	}

	s.merge = &Negotiation{
		Mine:   protocol.Snapshot{ScriptText: mine, BaseSnapshot: s.currentVersion},
		Base:   pending.Base,
		Theirs: pending.Theirs,
	}
	if s.view != nil {
		s.view.ShowMerge(*s.merge)
	}
}

func (s *Session) inspectMine(ctx context.Context) error {
	return s.inspect(ctx, func(n *Negotiation) string { return n.Mine.ScriptText })
}

func (s *Session) inspectTheirs(ctx context.Context) error {
	return s.inspect(ctx, func(n *Negotiation) string { return n.Theirs.ScriptText })
}

func (s *Session) inspectBase(ctx context.Context) error {
	return s.inspect(ctx, func(n *Negotiation) string { return n.Base.ScriptText })
}

func (s *Session) inspect(ctx context.Context, pick func(*Negotiation) string) error {
	if s.merge == nil {
		return ErrNoMerge
	}
	s.load(ctx, pick(s.merge))
	return nil
}

func (s *Session) finishMerge(ctx context.Context) error {
	if s.merge == nil {
		return ErrNoMerge
	}
	s.currentVersion = s.merge.Theirs.BaseSnapshot
	s.merge = nil
	if s.view != nil {
		s.view.ClearMerge()
	}
	s.log.Debug().Ctx(ctx).Msgf("[revisions] current version is %s", s.currentVersion)
	return s.save(ctx)
}
