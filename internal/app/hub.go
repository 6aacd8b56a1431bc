package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"blocksync/internal/channel"
	"blocksync/internal/protocol"
	"blocksync/internal/util"
)

// peer is one connected editor as the host sees it.
type peer struct {
	id         string
	documentID string
	author     string
	target     channel.Target
	log        zerolog.Logger

	mu sync.Mutex
	// known is the revision the editor last reported or was acknowledged at.
	known string
	// offered is the head of the last merge sent to the editor.
	offered string
}

func newPeer(documentID, author string, target channel.Target, log zerolog.Logger) *peer {
	id := util.NewID("edt")
	if author == "" {
		author = id
	}
	return &peer{
		id:         id,
		documentID: documentID,
		author:     author,
		target:     target,
		log:        log.With().Str("editor_id", id).Logger(),
	}
}

func (p *peer) setKnown(rev string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.known = rev
}

func (p *peer) setOffered(rev string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offered = rev
}

func (p *peer) bases() (known, offered string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.known, p.offered
}

// send encodes and queues msg. Failures are logged; the editor retries on its
// own schedule.
func (p *peer) send(ctx context.Context, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		p.log.Error().Ctx(ctx).Err(err).Str("type", string(msg.Type)).Msg("encode message")
		return
	}
	if err := p.target.Post(ctx, data); err != nil {
		p.log.Warn().Ctx(ctx).Err(err).Str("type", string(msg.Type)).Msg("send message")
	}
}

// hub tracks connected editors per document.
type hub struct {
	mu   sync.Mutex
	docs map[string]map[*peer]struct{}
}

func newHub() *hub {
	return &hub{docs: make(map[string]map[*peer]struct{})}
}

func (h *hub) join(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.docs[p.documentID]
	if !ok {
		set = make(map[*peer]struct{})
		h.docs[p.documentID] = set
	}
	set[p] = struct{}{}
}

func (h *hub) leave(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.docs[p.documentID]
	delete(set, p)
	if len(set) == 0 {
		delete(h.docs, p.documentID)
	}
}

func (h *hub) peers(documentID string) []*peer {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*peer, 0, len(h.docs[documentID]))
	for p := range h.docs[documentID] {
		out = append(out, p)
	}
	return out
}

// Editors returns how many editors have documentID open.
func (s *Service) Editors(documentID string) int {
	return len(s.hub.peers(documentID))
}
