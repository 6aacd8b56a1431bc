package editor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"blocksync/internal/channel"
	"blocksync/internal/protocol"
	"blocksync/internal/surface"
)

const (
	hostOrigin  = "http://host.test"
	otherOrigin = "http://mirror.test"
)

var fixedNow = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

type statusLine struct {
	msg     string
	isError bool
}

type fakeHost struct {
	mu     sync.Mutex
	posted []protocol.Message
	err    error
}

func (h *fakeHost) Post(_ context.Context, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	h.posted = append(h.posted, msg)
	return nil
}

func (h *fakeHost) messages() []protocol.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]protocol.Message(nil), h.posted...)
}

func (h *fakeHost) saves() []protocol.Message {
	var out []protocol.Message
	for _, msg := range h.messages() {
		if msg.Type == protocol.TypeSave {
			out = append(out, msg)
		}
	}
	return out
}

type recordingView struct {
	shown   []Negotiation
	cleared int
}

func (v *recordingView) ShowMerge(n Negotiation) { v.shown = append(v.shown, n) }
func (v *recordingView) ClearMerge()             { v.cleared++ }

type harness struct {
	t        *testing.T
	ctx      context.Context
	ws       *surface.Workspace
	session  *Session
	host     *fakeHost
	view     *recordingView
	mu       sync.Mutex
	statuses []statusLine
}

func newHarness(t *testing.T, opts ...surface.Option) *harness {
	t.Helper()
	h := &harness{
		t:    t,
		ctx:  context.Background(),
		ws:   surface.NewWorkspace(opts...),
		host: &fakeHost{},
		view: &recordingView{},
	}
	nop := zerolog.Nop()
	h.session = New(h.ws, StatusFunc(h.report), Options{
		TrustedOrigins: []string{hostOrigin, otherOrigin},
		View:           h.view,
		Logger:         &nop,
		Now:            func() time.Time { return fixedNow },
	})
	h.ws.OnChange(h.session.NotifyChange)
	return h
}

func (h *harness) report(msg string, isError bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses = append(h.statuses, statusLine{msg: msg, isError: isError})
}

func (h *harness) lines() []statusLine {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]statusLine(nil), h.statuses...)
}

// deliverFrom hands msg to the session as if posted by origin and runs the
// mailbox until it is empty.
func (h *harness) deliverFrom(origin string, target channel.Target, msg protocol.Message) {
	h.t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(h.t, err)
	h.session.Deliver(channel.Envelope{Origin: origin, Source: target, Data: data})
	h.drain()
}

func (h *harness) deliver(msg protocol.Message) {
	h.t.Helper()
	h.deliverFrom(hostOrigin, h.host, msg)
}

func (h *harness) drain() {
	h.session.drain(h.ctx)
}

// do runs an action on the test goroutine, which acts as the session actor.
func (h *harness) do(fn func(context.Context) error) error {
	err := fn(h.ctx)
	h.drain()
	return err
}

func (h *harness) init(text, version string) {
	h.t.Helper()
	h.deliver(protocol.NewInit(protocol.Snapshot{ScriptText: text, BaseSnapshot: version}, nil))
}

// edit adds a block the way a user would.
func (h *harness) edit(id string) {
	h.t.Helper()
	require.NoError(h.t, h.ws.AddBlock(&surface.Node{
		Name:  "block",
		Attrs: []surface.Attr{{Name: "type", Value: "text_print"}, {Name: "id", Value: id}},
	}))
	h.drain()
}

func (h *harness) state() State {
	return h.session.snapshot()
}

const (
	scriptBase = `<xml>
  <block type="text_print" id="base"></block>
</xml>`
	scriptTheirs = `<xml>
  <block type="text_print" id="theirs"></block>
</xml>`
)

func envelope(data []byte, target channel.Target) channel.Envelope {
	return channel.Envelope{Origin: hostOrigin, Source: target, Data: data}
}
