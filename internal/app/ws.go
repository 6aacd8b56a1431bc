package app

import (
	"context"

	"blocksync/internal/channel"
	"blocksync/internal/logging"
	"blocksync/internal/protocol"
)

// editorConn is a live transport to one editor.
type editorConn interface {
	channel.Target
	Origin() string
	Serve(ctx context.Context, deliver func(channel.Envelope)) error
	Close() error
}

// ServeEditor runs one editor connection for documentID: it sends the
// handshake, then handles the editor's messages in arrival order until the
// editor quits, the connection drops or the host closes.
func (s *Service) ServeEditor(ctx context.Context, documentID, author string, conn editorConn) error {
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	ctx = logging.WithDocumentID(ctx, documentID)
	init, err := s.InitFor(ctx, documentID)
	if err != nil {
		return err
	}

	p := newPeer(documentID, author, conn, s.log)
	ctx = logging.WithSessionID(ctx, p.id)
	p.setKnown(init.Script.BaseSnapshot)
	if init.Merge != nil {
		p.setOffered(init.Merge.Theirs.BaseSnapshot)
	}

	s.hub.join(p)
	s.metrics.EditorsConnected.Inc()
	defer func() {
		s.hub.leave(p)
		s.metrics.EditorsConnected.Dec()
	}()

	s.log.Info().Ctx(ctx).Str("origin", conn.Origin()).Str("head", init.Script.BaseSnapshot).Msg("editor connected")
	p.send(ctx, init)

	// Frames are attributed to the origin admitted at upgrade.
	ch := channel.New(channel.NewGate(conn.Origin()), p.log)
	ch.Handle(protocol.TypeSave, func(ctx context.Context, msg protocol.Message) {
		s.Save(ctx, p, *msg.Script)
	})
	ch.Handle(protocol.TypeQuit, func(ctx context.Context, _ protocol.Message) {
		s.log.Info().Ctx(ctx).Msg("editor quit")
		cancel()
	})
	ch.Handle(protocol.TypeCompile, func(ctx context.Context, _ protocol.Message) {
		s.compileAsync(ctx, documentID)
	})

	err = conn.Serve(ctx, func(env channel.Envelope) {
		ch.Receive(ctx, env)
	})
	s.log.Info().Ctx(ctx).Err(err).Msg("editor disconnected")
	return err
}
