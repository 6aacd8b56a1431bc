package app

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"blocksync/internal/artifacts"
	"blocksync/internal/drafts"
	"blocksync/internal/export"
	"blocksync/internal/gitrepo"
	"blocksync/internal/metrics"
	"blocksync/internal/protocol"
	"blocksync/internal/search"
	"blocksync/internal/store"
)

const (
	scriptMine = `<xml>
  <block type="text_print" id="mine"></block>
</xml>`
	scriptTheirs = `<xml>
  <block type="text_print" id="theirs"></block>
</xml>`
)

type fakeStore struct {
	mu      sync.Mutex
	docs    map[string]store.Document
	events  []store.SaveEvent
	updates int
	pingErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{docs: make(map[string]store.Document)}
}

func (f *fakeStore) EnsureDocument(_ context.Context, doc store.Document) (store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.docs[doc.ID]; ok {
		return existing, nil
	}
	doc.CreatedAt = time.Now()
	doc.UpdatedAt = doc.CreatedAt
	f.docs[doc.ID] = doc
	return doc, nil
}

func (f *fakeStore) GetDocument(_ context.Context, documentID string) (store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[documentID]
	if !ok {
		return store.Document{}, fmt.Errorf("document %s: %w", documentID, store.ErrNotFound)
	}
	return doc, nil
}

func (f *fakeStore) UpdateHead(_ context.Context, documentID, revision, scriptText, updatedBy string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[documentID]
	if !ok {
		return fmt.Errorf("document %s: %w", documentID, store.ErrNotFound)
	}
	doc.HeadRevision = revision
	doc.ScriptText = scriptText
	doc.UpdatedBy = updatedBy
	doc.UpdatedAt = time.Now()
	f.docs[documentID] = doc
	f.updates++
	return nil
}

func (f *fakeStore) InsertSaveEvent(_ context.Context, event store.SaveEvent) (store.SaveEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	event.ID = int64(len(f.events) + 1)
	event.CreatedAt = time.Now()
	f.events = append(f.events, event)
	return event, nil
}

func (f *fakeStore) ListSaveEvents(_ context.Context, documentID string, limit int) ([]store.SaveEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.SaveEvent, 0)
	for _, event := range f.events {
		if event.DocumentID == documentID {
			items = append(items, event)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID > items[j].ID })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (f *fakeStore) Ping(context.Context) error {
	return f.pingErr
}

func (f *fakeStore) document(id string) store.Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.docs[id]
}

// outcomes lists "tier/status" of every recorded save event in order.
func (f *fakeStore) outcomes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, event := range f.events {
		out = append(out, string(event.Tier)+"/"+string(event.Status))
	}
	return out
}

type fakeSearch struct {
	mu      sync.Mutex
	indexed []search.ScriptRecord
	results []search.Result
}

func (f *fakeSearch) Search(_ context.Context, q search.Query) search.Response {
	return search.Response{Results: f.results, Total: len(f.results), Query: q.Text}
}

func (f *fakeSearch) IndexScript(rec search.ScriptRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, rec)
}

func (f *fakeSearch) records() []search.ScriptRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]search.ScriptRecord(nil), f.indexed...)
}

type fakeArtifacts struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeArtifacts) Enabled() bool { return true }

func (f *fakeArtifacts) Put(_ context.Context, documentID, revision, filename, _ string, data []byte) (artifacts.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := artifacts.Key(documentID, revision, filename)
	f.keys = append(f.keys, key)
	return artifacts.Object{Bucket: "test", Key: key, Size: int64(len(data))}, nil
}

// failingGit fails every commit.
type failingGit struct {
	*gitrepo.Service
	err error
}

func (f *failingGit) CommitOnto(string, string, gitrepo.Content, string, string) (gitrepo.Revision, bool, error) {
	return gitrepo.Revision{}, false, f.err
}

// failingDrafts fails every draft write.
type failingDrafts struct {
	draftStore
	err error
}

func (f *failingDrafts) SaveDraft(context.Context, drafts.Draft) (drafts.Draft, error) {
	return drafts.Draft{}, f.err
}

// recordingTarget stands in for an editor connection.
type recordingTarget struct {
	mu     sync.Mutex
	posted []protocol.Message
}

func (r *recordingTarget) Post(_ context.Context, data []byte) error {
	msg, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.posted = append(r.posted, msg)
	return nil
}

func (r *recordingTarget) messages() []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Message(nil), r.posted...)
}

type testHost struct {
	t         *testing.T
	ctx       context.Context
	svc       *Service
	store     *fakeStore
	git       *gitrepo.Service
	drafts    *drafts.RedisStore
	search    *fakeSearch
	artifacts *fakeArtifacts
	metrics   *metrics.Metrics
}

func newTestHost(t *testing.T) *testHost {
	t.Helper()
	mr := miniredis.RunT(t)
	draftStore, err := drafts.NewRedisStore("redis://"+mr.Addr(), time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = draftStore.Close() })

	h := &testHost{
		t:         t,
		ctx:       context.Background(),
		store:     newFakeStore(),
		git:       gitrepo.New(t.TempDir()),
		drafts:    draftStore,
		search:    &fakeSearch{},
		artifacts: &fakeArtifacts{},
		metrics:   metrics.New(),
	}
	h.svc = New(Deps{
		Store:     h.store,
		Git:       h.git,
		Drafts:    h.drafts,
		Search:    h.search,
		Compiler:  export.NewService(nil, zerolog.Nop()),
		Artifacts: h.artifacts,
		Metrics:   h.metrics,
		Log:       zerolog.Nop(),
	})
	t.Cleanup(h.svc.Close)
	return h
}

// connect registers an editor of documentID the way ServeEditor does,
// without a transport, and returns it with its head revision.
func (h *testHost) connect(documentID string) (*peer, *recordingTarget, string) {
	h.t.Helper()
	init, err := h.svc.InitFor(h.ctx, documentID)
	require.NoError(h.t, err)
	target := &recordingTarget{}
	p := newPeer(documentID, "ada", target, zerolog.Nop())
	p.setKnown(init.Script.BaseSnapshot)
	h.svc.hub.join(p)
	return p, target, init.Script.BaseSnapshot
}

func (h *testHost) head(documentID string) gitrepo.Revision {
	h.t.Helper()
	_, rev, err := h.git.Head(documentID)
	require.NoError(h.t, err)
	return rev
}
