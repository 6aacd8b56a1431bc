// Package drafts is the local storage tier: short-lived per-document drafts
// kept in Redis until the cloud tier catches up.
package drafts

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/blake2b"
)

const defaultTTL = 7 * 24 * time.Hour

// ErrNotFound is returned when a document has no live draft.
var ErrNotFound = errors.New("draft not found")

// Draft is the latest text an editor saved for a document, together with the
// cloud revision it was edited on top of.
type Draft struct {
	DocumentID   string    `json:"document_id"`
	ScriptText   string    `json:"script_text"`
	EditorState  string    `json:"editor_state"`
	BaseRevision string    `json:"base_revision"`
	Digest       string    `json:"digest"`
	SessionID    string    `json:"session_id"`
	SavedAt      time.Time `json:"saved_at"`
}

// RedisStore keeps one draft per document under "draft:<id>".
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to redisURL and checks the connection.
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, ttl), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisStore{
		client: client,
		prefix: "draft:",
		ttl:    ttl,
	}
}

func (s *RedisStore) key(documentID string) string {
	return s.prefix + documentID
}

// Digest is the hex blake2b-256 of a script text.
func Digest(scriptText string) string {
	sum := blake2b.Sum256([]byte(scriptText))
	return hex.EncodeToString(sum[:])
}

// SaveDraft replaces the document's draft and restarts its expiry. Digest and
// SavedAt are filled in when empty.
func (s *RedisStore) SaveDraft(ctx context.Context, draft Draft) (Draft, error) {
	if draft.DocumentID == "" {
		return Draft{}, fmt.Errorf("save draft: missing document id")
	}
	if draft.Digest == "" {
		draft.Digest = Digest(draft.ScriptText)
	}
	if draft.SavedAt.IsZero() {
		draft.SavedAt = time.Now().UTC()
	}

	data, err := json.Marshal(draft)
	if err != nil {
		return Draft{}, fmt.Errorf("marshal draft: %w", err)
	}
	if err := s.client.Set(ctx, s.key(draft.DocumentID), data, s.ttl).Err(); err != nil {
		return Draft{}, fmt.Errorf("save draft: %w", err)
	}
	return draft, nil
}

// LookupDraft returns the live draft or ErrNotFound.
func (s *RedisStore) LookupDraft(ctx context.Context, documentID string) (Draft, error) {
	data, err := s.client.Get(ctx, s.key(documentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Draft{}, ErrNotFound
	}
	if err != nil {
		return Draft{}, fmt.Errorf("lookup draft: %w", err)
	}

	var draft Draft
	if err := json.Unmarshal(data, &draft); err != nil {
		return Draft{}, fmt.Errorf("unmarshal draft: %w", err)
	}
	return draft, nil
}

// DiscardDraft deletes the document's draft. Missing drafts are not an error.
func (s *RedisStore) DiscardDraft(ctx context.Context, documentID string) error {
	if err := s.client.Del(ctx, s.key(documentID)).Err(); err != nil {
		return fmt.Errorf("discard draft: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
