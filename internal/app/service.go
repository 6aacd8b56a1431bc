package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"blocksync/internal/artifacts"
	"blocksync/internal/drafts"
	"blocksync/internal/export"
	"blocksync/internal/gitrepo"
	"blocksync/internal/metrics"
	"blocksync/internal/protocol"
	"blocksync/internal/search"
	"blocksync/internal/store"
	"blocksync/internal/surface"
)

const (
	hostAuthor     = "blocksync"
	compileTimeout = 2 * time.Minute
)

type dataStore interface {
	EnsureDocument(context.Context, store.Document) (store.Document, error)
	GetDocument(context.Context, string) (store.Document, error)
	UpdateHead(context.Context, string, string, string, string) error
	InsertSaveEvent(context.Context, store.SaveEvent) (store.SaveEvent, error)
	ListSaveEvents(context.Context, string, int) ([]store.SaveEvent, error)
	Ping(ctx context.Context) error
}

type gitService interface {
	EnsureDocumentRepo(string, gitrepo.Content, string) (gitrepo.Revision, error)
	Head(string) (gitrepo.Content, gitrepo.Revision, error)
	ContentAt(string, string) (gitrepo.Content, error)
	CommitOnto(string, string, gitrepo.Content, string, string) (gitrepo.Revision, bool, error)
	History(string, int) ([]gitrepo.Revision, error)
	Exists(string) bool
}

type draftStore interface {
	SaveDraft(context.Context, drafts.Draft) (drafts.Draft, error)
	LookupDraft(context.Context, string) (drafts.Draft, error)
	DiscardDraft(context.Context, string) error
	Ping(ctx context.Context) error
}

type scriptSearch interface {
	Search(context.Context, search.Query) search.Response
	IndexScript(search.ScriptRecord)
}

type compiler interface {
	Compile(context.Context, export.Document) (export.Bundle, error)
}

type artifactStore interface {
	Enabled() bool
	Put(ctx context.Context, documentID, revision, filename, contentType string, data []byte) (artifacts.Object, error)
}

// Deps are the collaborators of the host. Search, Compiler and Artifacts are
// optional.
type Deps struct {
	Store     dataStore
	Git       gitService
	Drafts    draftStore
	Search    scriptSearch
	Compiler  compiler
	Artifacts artifactStore
	Metrics   *metrics.Metrics
	Log       zerolog.Logger
}

// Service is the host: it owns both storage tiers, detects conflicting saves
// and answers connected editors.
type Service struct {
	store     dataStore
	git       gitService
	drafts    draftStore
	search    scriptSearch
	compiler  compiler
	artifacts artifactStore
	metrics   *metrics.Metrics
	log       zerolog.Logger
	hub       *hub

	// ctx ends every editor connection when the host shuts down.
	ctx    context.Context
	cancel context.CancelFunc
}

func New(deps Deps) *Service {
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		ctx:       ctx,
		cancel:    cancel,
		store:     deps.Store,
		git:       deps.Git,
		drafts:    deps.Drafts,
		search:    deps.Search,
		compiler:  deps.Compiler,
		artifacts: deps.Artifacts,
		metrics:   deps.Metrics,
		log:       deps.Log,
		hub:       newHub(),
	}
}

// Close disconnects every editor.
func (s *Service) Close() {
	s.cancel()
}

func (s *Service) Metrics() *metrics.Metrics {
	return s.metrics
}

// Ping checks the registry and the local tier.
func (s *Service) Ping(ctx context.Context) map[string]error {
	return map[string]error{
		"database": s.store.Ping(ctx),
		"redis":    s.drafts.Ping(ctx),
	}
}

// EnsureDocument creates the document's repository and registry row on first
// use and returns the cloud head.
func (s *Service) EnsureDocument(ctx context.Context, documentID string) (gitrepo.Content, gitrepo.Revision, error) {
	if err := validateDocumentID(documentID); err != nil {
		return gitrepo.Content{}, gitrepo.Revision{}, err
	}
	if _, err := s.git.EnsureDocumentRepo(documentID, gitrepo.Content{ScriptText: surface.EmptyScript}, hostAuthor); err != nil {
		return gitrepo.Content{}, gitrepo.Revision{}, fmt.Errorf("ensure repo: %w", err)
	}
	content, head, err := s.git.Head(documentID)
	if err != nil {
		return gitrepo.Content{}, gitrepo.Revision{}, fmt.Errorf("read head: %w", err)
	}
	if _, err := s.store.EnsureDocument(ctx, store.Document{
		ID:           documentID,
		Title:        documentID,
		HeadRevision: head.Hash,
		ScriptText:   content.ScriptText,
		UpdatedBy:    hostAuthor,
	}); err != nil {
		return gitrepo.Content{}, gitrepo.Revision{}, fmt.Errorf("ensure document: %w", err)
	}
	return content, head, nil
}

// InitFor builds the handshake for a new editor of documentID. A draft left on
// an older base with different text comes back as the editor's script with a
// merge against the head.
func (s *Service) InitFor(ctx context.Context, documentID string) (protocol.Message, error) {
	content, head, err := s.EnsureDocument(ctx, documentID)
	if err != nil {
		return protocol.Message{}, err
	}
	script := protocol.Snapshot{ScriptText: content.ScriptText, EditorState: content.EditorState, BaseSnapshot: head.Hash}

	draft, err := s.drafts.LookupDraft(ctx, documentID)
	if errors.Is(err, drafts.ErrNotFound) {
		return protocol.NewInit(script, nil), nil
	}
	if err != nil {
		s.log.Warn().Ctx(ctx).Err(err).Msg("draft lookup failed, starting from head")
		return protocol.NewInit(script, nil), nil
	}
	if draft.BaseRevision == head.Hash || draft.ScriptText == content.ScriptText {
		return protocol.NewInit(script, nil), nil
	}

	pending := protocol.PendingMerge{
		Base:   s.snapshotAt(ctx, documentID, draft.BaseRevision),
		Theirs: script,
	}
	s.metrics.Merge(metrics.MergePendingDraft)
	s.log.Info().Ctx(ctx).Str("draft_base", draft.BaseRevision).Str("head", head.Hash).Msg("resuming draft with merge")
	return protocol.NewInit(protocol.Snapshot{
		ScriptText:   draft.ScriptText,
		EditorState:  draft.EditorState,
		BaseSnapshot: draft.BaseRevision,
	}, &pending), nil
}

// snapshotAt returns the content at revision. An unknown revision yields an
// empty script so a merge can still be offered.
func (s *Service) snapshotAt(ctx context.Context, documentID, revision string) protocol.Snapshot {
	snap := protocol.Snapshot{ScriptText: surface.EmptyScript, BaseSnapshot: revision}
	if revision == "" {
		return snap
	}
	content, err := s.git.ContentAt(documentID, revision)
	if err != nil {
		s.log.Warn().Ctx(ctx).Err(err).Str("revision", revision).Msg("base content unavailable")
		return snap
	}
	snap.ScriptText = content.ScriptText
	snap.EditorState = content.EditorState
	return snap
}

// Save stores snap on the local tier and then tries the cloud tier on top of
// snap.BaseSnapshot. Replies go to p in order: the local ack, then a cloud ack
// or a merge when the base is stale.
func (s *Service) Save(ctx context.Context, p *peer, snap protocol.Snapshot) {
	p.setKnown(snap.BaseSnapshot)
	digest := drafts.Digest(snap.ScriptText)

	_, err := s.drafts.SaveDraft(ctx, drafts.Draft{
		DocumentID:   p.documentID,
		ScriptText:   snap.ScriptText,
		EditorState:  snap.EditorState,
		BaseRevision: snap.BaseSnapshot,
		Digest:       digest,
		SessionID:    p.id,
	})
	if err != nil {
		s.log.Error().Ctx(ctx).Err(err).Msg("draft save failed")
		s.recordSave(ctx, p, store.TierLocal, store.SaveError, snap.BaseSnapshot, "", digest, err.Error())
		p.send(ctx, protocol.NewSaveAckError(protocol.Local, "draft store unavailable"))
	} else {
		s.recordSave(ctx, p, store.TierLocal, store.SaveOK, snap.BaseSnapshot, "", digest, "")
		p.send(ctx, protocol.NewSaveAckOK(protocol.Local, ""))
	}

	started := time.Now()
	rev, created, err := s.git.CommitOnto(p.documentID, snap.BaseSnapshot,
		gitrepo.Content{ScriptText: snap.ScriptText, EditorState: snap.EditorState},
		p.author, "Save from "+p.id)
	s.metrics.ObserveCommit(started)

	switch {
	case errors.Is(err, gitrepo.ErrStaleBase):
		s.log.Info().Ctx(ctx).Str("base", snap.BaseSnapshot).Str("head", rev.Hash).Msg("[merge] stale base")
		s.recordSave(ctx, p, store.TierCloud, store.SaveConflict, snap.BaseSnapshot, rev.Hash, digest, "")
		s.offerMerge(ctx, p, snap.BaseSnapshot, metrics.MergeStaleBase)
	case err != nil:
		s.log.Error().Ctx(ctx).Err(err).Msg("cloud commit failed")
		s.recordSave(ctx, p, store.TierCloud, store.SaveError, snap.BaseSnapshot, "", digest, err.Error())
		p.send(ctx, protocol.NewSaveAckError(protocol.Cloud, "commit failed"))
	default:
		if created {
			s.publishHead(ctx, p, rev, snap.ScriptText)
		}
		s.recordSave(ctx, p, store.TierCloud, store.SaveOK, snap.BaseSnapshot, rev.Hash, digest, "")
		s.discardDraft(ctx, p.documentID, digest)
		p.setKnown(rev.Hash)
		p.send(ctx, protocol.NewSaveAckOK(protocol.Cloud, rev.Hash))
		if created {
			s.broadcastMerge(ctx, p, rev.Hash)
		}
	}
}

// publishHead updates the registry and the search index after a commit.
func (s *Service) publishHead(ctx context.Context, p *peer, rev gitrepo.Revision, scriptText string) {
	if err := s.store.UpdateHead(ctx, p.documentID, rev.Hash, scriptText, p.author); err != nil {
		s.log.Error().Ctx(ctx).Err(err).Msg("registry head update failed")
	}
	if s.search == nil {
		return
	}
	title := p.documentID
	if doc, err := s.store.GetDocument(ctx, p.documentID); err == nil && doc.Title != "" {
		title = doc.Title
	}
	s.search.IndexScript(search.NewScriptRecord(p.documentID, title, rev.Hash, scriptText))
}

// discardDraft drops the document's draft if it still holds the text that was
// just committed.
func (s *Service) discardDraft(ctx context.Context, documentID, digest string) {
	draft, err := s.drafts.LookupDraft(ctx, documentID)
	if err != nil || draft.Digest != digest {
		return
	}
	if err := s.drafts.DiscardDraft(ctx, documentID); err != nil {
		s.log.Warn().Ctx(ctx).Err(err).Msg("discard draft")
	}
}

// offerMerge sends p a merge of the head against base.
func (s *Service) offerMerge(ctx context.Context, p *peer, base, reason string) {
	content, head, err := s.git.Head(p.documentID)
	if err != nil {
		s.log.Error().Ctx(ctx).Err(err).Msg("read head for merge")
		p.send(ctx, protocol.NewSaveAckError(protocol.Cloud, "conflict detected, head unavailable"))
		return
	}
	pending := protocol.PendingMerge{
		Base:   s.snapshotAt(ctx, p.documentID, base),
		Theirs: protocol.Snapshot{ScriptText: content.ScriptText, EditorState: content.EditorState, BaseSnapshot: head.Hash},
	}
	p.setOffered(head.Hash)
	s.metrics.Merge(reason)
	p.send(ctx, protocol.NewMerge(pending))
}

// broadcastMerge tells every other editor of the document that the head moved
// to rev, unless it already knows.
func (s *Service) broadcastMerge(ctx context.Context, from *peer, rev string) {
	for _, other := range s.hub.peers(from.documentID) {
		if other == from {
			continue
		}
		known, offered := other.bases()
		if known == rev || offered == rev {
			continue
		}
		s.offerMerge(ctx, other, known, metrics.MergeBroadcast)
	}
}

func (s *Service) recordSave(ctx context.Context, p *peer, tier store.SaveTier, status store.SaveStatus, base, rev, digest, detail string) {
	s.metrics.Save(string(tier), string(status))
	_, err := s.store.InsertSaveEvent(ctx, store.SaveEvent{
		DocumentID:   p.documentID,
		SessionID:    p.id,
		Tier:         tier,
		Status:       status,
		BaseRevision: base,
		NewRevision:  rev,
		Digest:       digest,
		Error:        detail,
	})
	if err != nil {
		s.log.Warn().Ctx(ctx).Err(err).Msg("record save event")
	}
}

// CompileResult lists what one compile produced.
type CompileResult struct {
	DocumentID string             `json:"documentId"`
	Revision   string             `json:"revision"`
	Files      []string           `json:"files"`
	Objects    []artifacts.Object `json:"objects"`
}

// Compile renders the document head and uploads the outputs when artifact
// storage is enabled.
func (s *Service) Compile(ctx context.Context, documentID string) (CompileResult, error) {
	if s.compiler == nil {
		return CompileResult{}, domainError(http.StatusServiceUnavailable, "COMPILE_UNAVAILABLE", "Compiler not configured", nil)
	}
	if err := s.requireDocument(documentID); err != nil {
		return CompileResult{}, err
	}
	content, head, err := s.git.Head(documentID)
	if err != nil {
		return CompileResult{}, fmt.Errorf("read head: %w", err)
	}
	doc := export.Document{
		ID:         documentID,
		Title:      documentID,
		Revision:   head.Hash,
		ScriptText: content.ScriptText,
		Author:     head.Author,
		UpdatedAt:  head.CreatedAt,
	}
	if row, err := s.store.GetDocument(ctx, documentID); err == nil && row.Title != "" {
		doc.Title = row.Title
	}

	bundle, err := s.compiler.Compile(ctx, doc)
	if err != nil {
		return CompileResult{}, fmt.Errorf("compile %s: %w", documentID, err)
	}

	result := CompileResult{DocumentID: documentID, Revision: head.Hash}
	for _, out := range bundle.Results() {
		result.Files = append(result.Files, out.Filename)
		if s.artifacts == nil || !s.artifacts.Enabled() {
			continue
		}
		obj, err := s.artifacts.Put(ctx, documentID, head.Hash, out.Filename, out.MimeType, out.Data)
		if err != nil {
			return result, fmt.Errorf("store artifact: %w", err)
		}
		result.Objects = append(result.Objects, obj)
	}
	s.log.Info().Ctx(ctx).Str("revision", head.Hash).Strs("files", result.Files).Msg("compiled")
	return result, nil
}

// compileAsync runs a compile requested over the protocol, which has no reply.
func (s *Service) compileAsync(ctx context.Context, documentID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compileTimeout)
	go func() {
		defer cancel()
		if _, err := s.Compile(ctx, documentID); err != nil {
			s.log.Error().Ctx(ctx).Err(err).Msg("compile failed")
		}
	}()
}

func (s *Service) History(ctx context.Context, documentID string, limit int) ([]gitrepo.Revision, error) {
	if err := validateDocumentID(documentID); err != nil {
		return nil, err
	}
	if err := s.requireDocument(documentID); err != nil {
		return nil, err
	}
	return s.git.History(documentID, limit)
}

func (s *Service) SaveEvents(ctx context.Context, documentID string, limit int) ([]store.SaveEvent, error) {
	if err := validateDocumentID(documentID); err != nil {
		return nil, err
	}
	if err := s.requireDocument(documentID); err != nil {
		return nil, err
	}
	return s.store.ListSaveEvents(ctx, documentID, limit)
}

// requireDocument fails with 404 for documents no editor has opened yet.
func (s *Service) requireDocument(documentID string) error {
	if !s.git.Exists(documentID) {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Document not found", nil)
	}
	return nil
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(ctx, q)
}
