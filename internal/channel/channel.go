// Package channel carries protocol messages between one editor session and
// its single trusted peer.
package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"blocksync/internal/protocol"
)

// ErrNoPeer is the panic value for sending before any trusted message arrived.
var ErrNoPeer = errors.New("no peer established")

// Target accepts outbound frames for a peer.
type Target interface {
	Post(ctx context.Context, data []byte) error
}

// Envelope is one inbound frame with the origin it claims to come from.
type Envelope struct {
	Origin string
	Source Target
	Data   []byte
}

// Peer is the host a session talks to, fixed by the first trusted envelope.
type Peer struct {
	Origin string
	Target Target
}

type Handler func(ctx context.Context, msg protocol.Message)

// Channel is not safe for concurrent use; the owning session serializes all
// calls.
type Channel struct {
	gate     *Gate
	peer     *Peer
	handlers map[protocol.MessageType]Handler
	log      zerolog.Logger
}

func New(gate *Gate, log zerolog.Logger) *Channel {
	return &Channel{
		gate:     gate,
		handlers: make(map[protocol.MessageType]Handler),
		log:      log,
	}
}

// Handle registers h for messages of type t, replacing any earlier handler.
func (c *Channel) Handle(t protocol.MessageType, h Handler) {
	c.handlers[t] = h
}

// Peer returns the pinned peer, if any.
func (c *Channel) Peer() (Peer, bool) {
	if c.peer == nil {
		return Peer{}, false
	}
	return *c.peer, true
}

// Receive admits env through the gate, pins the peer on first contact and
// dispatches the decoded message. It reports whether a handler ran.
func (c *Channel) Receive(ctx context.Context, env Envelope) bool {
	if !c.gate.Allows(env.Origin) {
		c.log.Debug().Ctx(ctx).Str("origin", env.Origin).Msg("dropped message from untrusted origin")
		return false
	}

	if c.peer == nil {
		c.peer = &Peer{Origin: env.Origin, Target: env.Source}
		c.log.Info().Ctx(ctx).Str("origin", env.Origin).Msg("peer established")
	} else if c.peer.Origin != env.Origin {
		c.log.Debug().Ctx(ctx).Str("origin", env.Origin).Str("peer", c.peer.Origin).Msg("message from secondary trusted origin")
	}

	msg, err := protocol.Decode(env.Data)
	if errors.Is(err, protocol.ErrUnknownType) {
		c.log.Debug().Ctx(ctx).Str("type", string(msg.Type)).Msg("ignored unknown message type")
		return false
	}
	if err != nil {
		c.log.Warn().Ctx(ctx).Err(err).Msg("dropped undecodable message")
		return false
	}

	handler, ok := c.handlers[msg.Type]
	if !ok {
		c.log.Debug().Ctx(ctx).Str("type", string(msg.Type)).Msg("no handler for message")
		return false
	}
	c.log.Debug().Ctx(ctx).Str("type", string(msg.Type)).Msg("[inner message]")
	handler(ctx, msg)
	return true
}

// Send posts msg to the peer. Calling Send before a peer is established is a
// programming error and panics with ErrNoPeer.
func (c *Channel) Send(ctx context.Context, msg protocol.Message) error {
	if c.peer == nil {
		panic(fmt.Errorf("channel: send %s: %w", msg.Type, ErrNoPeer))
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := c.peer.Target.Post(ctx, data); err != nil {
		return fmt.Errorf("post %s: %w", msg.Type, err)
	}
	return nil
}
