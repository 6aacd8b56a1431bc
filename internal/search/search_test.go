package search

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIndex struct {
	mu      sync.Mutex
	healthy bool
	err     error
	results []Result
	indexed []ScriptRecord
	deleted []string
}

func (f *fakeIndex) Search(context.Context, Query) ([]Result, int, error) {
	if f.err != nil {
		return nil, 0, f.err
	}
	return f.results, len(f.results), nil
}

func (f *fakeIndex) Healthy() bool { return f.healthy }

func (f *fakeIndex) IndexScript(rec ScriptRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, rec)
	return nil
}

func (f *fakeIndex) IndexScripts(recs []ScriptRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, recs...)
	return nil
}

func (f *fakeIndex) DeleteScript(documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, documentID)
	return nil
}

func (f *fakeIndex) indexedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.indexed)
}

func TestNewScriptRecordExtractsBlocksAndFields(t *testing.T) {
	script := `<xml>
  <block type="text_print" id="p1">
    <value name="TEXT"><block type="text" id="t1"><field name="TEXT">hello world</field></block></value>
  </block>
  <block type="text" id="t2"><field name="TEXT">again</field></block>
</xml>`

	rec := NewScriptRecord("doc-1", "Greeting", "abc", script)

	assert.Equal(t, "doc-1", rec.ID)
	assert.Equal(t, []string{"text_print", "text"}, rec.BlockTypes)
	assert.Equal(t, "hello world again", rec.Text)
}

func TestNewScriptRecordToleratesGarbage(t *testing.T) {
	rec := NewScriptRecord("doc-1", "Broken", "abc", "<xml><block")
	assert.Equal(t, "Broken", rec.Title)
	assert.Empty(t, rec.BlockTypes)
	assert.Empty(t, rec.Text)
}

func TestServicePrefersHealthyPrimary(t *testing.T) {
	primary := &fakeIndex{healthy: true, results: []Result{{DocumentID: "doc-1"}}}
	fallback := &fakeIndex{healthy: true, results: []Result{{DocumentID: "doc-2"}}}
	svc := NewService(primary, fallback, zerolog.Nop())

	resp := svc.Search(context.Background(), Query{Text: "loop"})
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "doc-1", resp.Results[0].DocumentID)
	assert.Equal(t, "loop", resp.Query)

	primary.err = errors.New("timeout")
	resp = svc.Search(context.Background(), Query{Text: "loop"})
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "doc-2", resp.Results[0].DocumentID)

	primary.err = nil
	primary.healthy = false
	resp = svc.Search(context.Background(), Query{Text: "loop"})
	assert.Equal(t, "doc-2", resp.Results[0].DocumentID)
}

func TestServiceWithoutBackendsReturnsEmpty(t *testing.T) {
	svc := NewService(nil, &fakeIndex{err: errors.New("db down")}, zerolog.Nop())
	resp := svc.Search(context.Background(), Query{Text: "loop"})
	assert.NotNil(t, resp.Results)
	assert.Empty(t, resp.Results)

	svc = NewService(nil, nil, zerolog.Nop())
	assert.Empty(t, svc.Search(context.Background(), Query{Text: "loop"}).Results)
}

func TestServiceIndexesOnlyWhenHealthy(t *testing.T) {
	primary := &fakeIndex{healthy: true}
	svc := NewService(primary, nil, zerolog.Nop())

	svc.IndexScript(ScriptRecord{ID: "doc-1"})
	require.Eventually(t, func() bool { return primary.indexedCount() == 1 }, time.Second, 5*time.Millisecond)

	svc.ReindexAll([]ScriptRecord{{ID: "doc-2"}, {ID: "doc-3"}})
	assert.Equal(t, 3, primary.indexedCount())

	primary.healthy = false
	svc.IndexScript(ScriptRecord{ID: "doc-4"})
	svc.ReindexAll([]ScriptRecord{{ID: "doc-5"}})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, primary.indexedCount())
}

func TestHitToResultPrefersFormatted(t *testing.T) {
	hit := meili.Hit{
		"id":         json.RawMessage(`"doc-1"`),
		"title":      json.RawMessage(`"Greeting"`),
		"text":       json.RawMessage(`"hello world"`),
		"revision":   json.RawMessage(`"abc"`),
		"_formatted": json.RawMessage(`{"title":"Greeting","text":"<mark>hello</mark> world","blockTypes":["text"]}`),
	}

	r := hitToResult(hit)
	assert.Equal(t, Result{DocumentID: "doc-1", Title: "Greeting", Snippet: "<mark>hello</mark> world", Revision: "abc"}, r)
}
