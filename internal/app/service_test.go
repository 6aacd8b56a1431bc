package app

import (
	"errors"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blocksync/internal/drafts"
	"blocksync/internal/gitrepo"
	"blocksync/internal/metrics"
	"blocksync/internal/protocol"
	"blocksync/internal/surface"
)

func TestInitForCreatesDocument(t *testing.T) {
	h := newTestHost(t)

	msg, err := h.svc.InitFor(h.ctx, "doc-1")
	require.NoError(t, err)

	assert.Equal(t, protocol.TypeInit, msg.Type)
	require.NotNil(t, msg.Script)
	assert.Equal(t, surface.EmptyScript, msg.Script.ScriptText)
	assert.Nil(t, msg.Merge)

	head := h.head("doc-1")
	assert.Equal(t, head.Hash, msg.Script.BaseSnapshot)
	assert.Equal(t, head.Hash, h.store.document("doc-1").HeadRevision)

	again, err := h.svc.InitFor(h.ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, head.Hash, again.Script.BaseSnapshot)
}

func TestInitForRejectsBadDocumentID(t *testing.T) {
	h := newTestHost(t)

	_, err := h.svc.InitFor(h.ctx, "../etc")
	var domainErr *DomainError
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, http.StatusBadRequest, domainErr.Status)
}

func TestSaveOnHeadCommitsAndAcks(t *testing.T) {
	h := newTestHost(t)
	p, target, head := h.connect("doc-1")

	h.svc.Save(h.ctx, p, protocol.Snapshot{ScriptText: scriptMine, EditorState: `{"lastSave":null}`, BaseSnapshot: head})

	msgs := target.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, protocol.NewSaveAckOK(protocol.Local, ""), msgs[0])
	assert.Equal(t, protocol.TypeSaveAck, msgs[1].Type)
	assert.Equal(t, protocol.Cloud, msgs[1].Where)
	assert.Equal(t, protocol.StatusOK, msgs[1].Status)

	newHead := h.head("doc-1")
	assert.NotEqual(t, head, newHead.Hash)
	assert.Equal(t, newHead.Hash, msgs[1].NewBaseSnapshot)

	doc := h.store.document("doc-1")
	assert.Equal(t, newHead.Hash, doc.HeadRevision)
	assert.Equal(t, scriptMine, doc.ScriptText)
	assert.Equal(t, []string{"local/ok", "cloud/ok"}, h.store.outcomes())

	records := h.search.records()
	require.Len(t, records, 1)
	assert.Equal(t, newHead.Hash, records[0].Revision)

	_, err := h.drafts.LookupDraft(h.ctx, "doc-1")
	assert.ErrorIs(t, err, drafts.ErrNotFound)

	known, _ := p.bases()
	assert.Equal(t, newHead.Hash, known)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SavesTotal.WithLabelValues("cloud", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SavesTotal.WithLabelValues("local", "ok")))
}

func TestSaveWithoutChangesAcksHead(t *testing.T) {
	h := newTestHost(t)
	p, target, head := h.connect("doc-1")

	h.svc.Save(h.ctx, p, protocol.Snapshot{ScriptText: surface.EmptyScript, BaseSnapshot: head})

	msgs := target.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, head, msgs[1].NewBaseSnapshot)
	assert.Equal(t, 0, h.store.updates)
	assert.Empty(t, h.search.records())

	history, err := h.git.History("doc-1", 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestSaveOnStaleBaseOffersMerge(t *testing.T) {
	h := newTestHost(t)
	p, target, head := h.connect("doc-1")
	concurrent, err := h.git.Commit("doc-1", gitrepo.Content{ScriptText: scriptTheirs}, "grace", "concurrent edit")
	require.NoError(t, err)

	h.svc.Save(h.ctx, p, protocol.Snapshot{ScriptText: scriptMine, BaseSnapshot: head})

	msgs := target.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, protocol.Local, msgs[0].Where)
	assert.Equal(t, protocol.TypeMerge, msgs[1].Type)
	require.NotNil(t, msgs[1].Merge)
	assert.Equal(t, protocol.Snapshot{ScriptText: surface.EmptyScript, BaseSnapshot: head}, msgs[1].Merge.Base)
	assert.Equal(t, scriptTheirs, msgs[1].Merge.Theirs.ScriptText)
	assert.Equal(t, concurrent.Hash, msgs[1].Merge.Theirs.BaseSnapshot)

	assert.Equal(t, concurrent.Hash, h.head("doc-1").Hash)
	assert.Equal(t, []string{"local/ok", "cloud/conflict"}, h.store.outcomes())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.MergesTotal.WithLabelValues(metrics.MergeStaleBase)))

	draft, err := h.drafts.LookupDraft(h.ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, scriptMine, draft.ScriptText)
	assert.Equal(t, head, draft.BaseRevision)

	_, offered := p.bases()
	assert.Equal(t, concurrent.Hash, offered)
}

func TestSaveCommitFailureAcksError(t *testing.T) {
	h := newTestHost(t)
	p, target, head := h.connect("doc-1")
	h.svc.git = &failingGit{Service: h.git, err: errors.New("disk full")}

	h.svc.Save(h.ctx, p, protocol.Snapshot{ScriptText: scriptMine, BaseSnapshot: head})

	msgs := target.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, protocol.NewSaveAckError(protocol.Cloud, "commit failed"), msgs[1])
	assert.Equal(t, []string{"local/ok", "cloud/error"}, h.store.outcomes())
	assert.Equal(t, 0, h.store.updates)
}

func TestDraftFailureStillCommits(t *testing.T) {
	h := newTestHost(t)
	p, target, head := h.connect("doc-1")
	h.svc.drafts = &failingDrafts{draftStore: h.drafts, err: errors.New("redis down")}

	h.svc.Save(h.ctx, p, protocol.Snapshot{ScriptText: scriptMine, BaseSnapshot: head})

	msgs := target.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, protocol.NewSaveAckError(protocol.Local, "draft store unavailable"), msgs[0])
	assert.Equal(t, protocol.StatusOK, msgs[1].Status)
	assert.Equal(t, h.head("doc-1").Hash, msgs[1].NewBaseSnapshot)
}

func TestInitResumesStaleDraftWithMerge(t *testing.T) {
	h := newTestHost(t)
	_, _, head := h.connect("doc-1")
	_, err := h.drafts.SaveDraft(h.ctx, drafts.Draft{DocumentID: "doc-1", ScriptText: scriptMine, EditorState: `{"lastSave":null}`, BaseRevision: head})
	require.NoError(t, err)
	concurrent, err := h.git.Commit("doc-1", gitrepo.Content{ScriptText: scriptTheirs}, "grace", "concurrent edit")
	require.NoError(t, err)

	msg, err := h.svc.InitFor(h.ctx, "doc-1")
	require.NoError(t, err)

	assert.Equal(t, scriptMine, msg.Script.ScriptText)
	assert.Equal(t, head, msg.Script.BaseSnapshot)
	require.NotNil(t, msg.Merge)
	assert.Equal(t, surface.EmptyScript, msg.Merge.Base.ScriptText)
	assert.Equal(t, head, msg.Merge.Base.BaseSnapshot)
	assert.Equal(t, scriptTheirs, msg.Merge.Theirs.ScriptText)
	assert.Equal(t, concurrent.Hash, msg.Merge.Theirs.BaseSnapshot)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.MergesTotal.WithLabelValues(metrics.MergePendingDraft)))
}

func TestInitIgnoresDraftOnHead(t *testing.T) {
	h := newTestHost(t)
	_, _, head := h.connect("doc-1")
	_, err := h.drafts.SaveDraft(h.ctx, drafts.Draft{DocumentID: "doc-1", ScriptText: scriptMine, BaseRevision: head})
	require.NoError(t, err)

	msg, err := h.svc.InitFor(h.ctx, "doc-1")
	require.NoError(t, err)
	assert.Nil(t, msg.Merge)
	assert.Equal(t, surface.EmptyScript, msg.Script.ScriptText)
}

func TestInitDraftOnUnknownBaseMergesAgainstEmptyScript(t *testing.T) {
	h := newTestHost(t)
	_, _, head := h.connect("doc-1")
	_, err := h.drafts.SaveDraft(h.ctx, drafts.Draft{DocumentID: "doc-1", ScriptText: scriptMine, BaseRevision: "0000000000000000000000000000000000000000"})
	require.NoError(t, err)

	msg, err := h.svc.InitFor(h.ctx, "doc-1")
	require.NoError(t, err)
	require.NotNil(t, msg.Merge)
	assert.Equal(t, surface.EmptyScript, msg.Merge.Base.ScriptText)
	assert.Equal(t, head, msg.Merge.Theirs.BaseSnapshot)
}

func TestCommitOffersMergeToOtherEditors(t *testing.T) {
	h := newTestHost(t)
	a, targetA, head := h.connect("doc-1")
	_, targetB, _ := h.connect("doc-1")

	h.svc.Save(h.ctx, a, protocol.Snapshot{ScriptText: scriptMine, BaseSnapshot: head})
	first := h.head("doc-1").Hash

	msgsB := targetB.messages()
	require.Len(t, msgsB, 1)
	assert.Equal(t, protocol.TypeMerge, msgsB[0].Type)
	assert.Equal(t, head, msgsB[0].Merge.Base.BaseSnapshot)
	assert.Equal(t, first, msgsB[0].Merge.Theirs.BaseSnapshot)
	for _, msg := range targetA.messages() {
		assert.NotEqual(t, protocol.TypeMerge, msg.Type)
	}

	// a newcomer already on the head is left alone
	_, targetC, _ := h.connect("doc-1")

	h.svc.Save(h.ctx, a, protocol.Snapshot{ScriptText: scriptTheirs, BaseSnapshot: first})
	second := h.head("doc-1").Hash

	msgsB = targetB.messages()
	require.Len(t, msgsB, 2)
	assert.Equal(t, second, msgsB[1].Merge.Theirs.BaseSnapshot)
	require.Len(t, targetC.messages(), 1)
	assert.Equal(t, second, targetC.messages()[0].Merge.Theirs.BaseSnapshot)

	// an unchanged save does not move the head
	h.svc.Save(h.ctx, a, protocol.Snapshot{ScriptText: scriptTheirs, BaseSnapshot: second})
	assert.Len(t, targetB.messages(), 2)
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.MergesTotal.WithLabelValues(metrics.MergeBroadcast)))
}

func TestCompileStoresArtifacts(t *testing.T) {
	h := newTestHost(t)
	p, _, head := h.connect("doc-1")
	h.svc.Save(h.ctx, p, protocol.Snapshot{ScriptText: scriptMine, BaseSnapshot: head})
	rev := h.head("doc-1").Hash

	result, err := h.svc.Compile(h.ctx, "doc-1")
	require.NoError(t, err)

	assert.Equal(t, rev, result.Revision)
	assert.Equal(t, []string{"doc-1.html"}, result.Files)
	require.Len(t, result.Objects, 1)
	assert.Equal(t, "doc-1/"+rev+".html", result.Objects[0].Key)
	assert.Equal(t, []string{"doc-1/" + rev + ".html"}, h.artifacts.keys)
}

func TestCompileWithoutCompiler(t *testing.T) {
	h := newTestHost(t)
	h.connect("doc-1")
	h.svc.compiler = nil

	_, err := h.svc.Compile(h.ctx, "doc-1")
	status, code, _, _ := mapError(err)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "COMPILE_UNAVAILABLE", code)
}

func TestHistoryOfUnknownDocument(t *testing.T) {
	h := newTestHost(t)

	_, err := h.svc.History(h.ctx, "missing", 10)
	status, _, _, _ := mapError(err)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestUnknownDocumentIsNotFound(t *testing.T) {
	h := newTestHost(t)

	_, err := h.svc.Compile(h.ctx, "missing")
	status, code, _, _ := mapError(err)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", code)

	_, err = h.svc.SaveEvents(h.ctx, "missing", 10)
	status, code, _, _ = mapError(err)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", code)
}

func TestMapError(t *testing.T) {
	status, code, _, _ := mapError(ErrUnknownRevision)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "UNKNOWN_REVISION", code)

	status, _, _, _ = mapError(errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, status)
}
