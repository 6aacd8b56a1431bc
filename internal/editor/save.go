package editor

import (
	"context"
	"fmt"

	"blocksync/internal/protocol"
)

// save serializes the surface and sends it on top of currentVersion. The
// session does not wait for the acknowledgment.
func (s *Session) save(ctx context.Context) error {
	if !s.initialized {
		return ErrNotInitialized
	}
	text, err := s.serialize()
	if err != nil {
		s.status.ReportStatus("save failed: "+err.Error(), true)
		return fmt.Errorf("serialize script: %w", err)
	}

	s.log.Debug().Ctx(ctx).Msgf("[saving] on top of: %s", s.currentVersion)
	snapshot := protocol.Snapshot{
		ScriptText:   text,
		EditorState:  encodeEditorState(s.now()),
		BaseSnapshot: s.currentVersion,
	}
	s.dirty = false
	if err := s.ch.Send(ctx, protocol.NewSave(snapshot)); err != nil {
		s.dirty = true
		s.status.ReportStatus("save failed: "+err.Error(), true)
		return err
	}
	return nil
}

func prefix(where protocol.SaveLocation) string {
	switch where {
	case protocol.Cloud:
		return cloudPrefix
	case protocol.Local:
		return localPrefix
	}
	return "[" + string(where) + "]"
}

func (s *Session) handleSaveAck(ctx context.Context, msg protocol.Message) {
	if !s.requireInit(ctx, msg) {
		return
	}
	switch msg.Status {
	case protocol.StatusError:
		s.status.ReportStatus(prefix(msg.Where)+" error: "+msg.Error, true)
		// the content never reached the tier, so the next tick retries
		s.dirty = true
	case protocol.StatusOK:
		if msg.Where == protocol.Cloud {
			s.status.ReportStatus(fmt.Sprintf("%s successfully saved (from %s to %s)",
				prefix(msg.Where), s.currentVersion, msg.NewBaseSnapshot), false)
			s.currentVersion = msg.NewBaseSnapshot
			s.log.Debug().Ctx(ctx).Msgf("[revisions] current version is %s", s.currentVersion)
			return
		}
		s.status.ReportStatus(prefix(msg.Where)+" successfully saved", false)
	}
}
