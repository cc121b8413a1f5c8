// Package session provides the redis-backed session store and the selection
// watcher. Each session is one redis hash whose lifetime is bound to the
// credential's expiry; the hash is the single shared surface every mounted
// client converges through.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"teabot/api/internal/helix"
)

// Hash fields of one session entry.
const (
	fieldAccessToken = "access_token"
	fieldClientID    = "client_id"
	fieldExpiresAt   = "expires_at"
	fieldIdentity    = "identity"
	fieldChannels    = "moderated_channels"
	fieldIndex       = "moderating_index"
)

// ErrNoSession is returned when a session id has no stored state, either
// because it never existed or because its credential expired.
var ErrNoSession = errors.New("session not found or expired")

// ModeratedChannel is the persisted projection of a channel the session's
// identity may administer. The transient in-flight join flag is not part of
// it; that lives in the join orchestrator's side table.
type ModeratedChannel struct {
	ID            string `json:"id"`
	Login         string `json:"login"`
	AvatarURL     string `json:"profile_image_url"`
	AlreadyJoined bool   `json:"already_joined"`
}

// Store is the redis session store.
type Store struct {
	client      *redis.Client
	prefix      string
	statePrefix string
}

func NewStore(redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewStoreWithClient(client), nil
}

func NewStoreWithClient(client *redis.Client) *Store {
	return &Store{
		client:      client,
		prefix:      "session:",
		statePrefix: "oauth_state:",
	}
}

func (s *Store) key(sid string) string {
	return s.prefix + sid
}

// CreateSession persists a fresh credential under sid. The whole hash
// expires with the credential; expiry is a hard boundary, there is no
// silent refresh.
func (s *Store) CreateSession(ctx context.Context, sid string, cred helix.Credential) error {
	key := s.key(sid)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key,
		fieldAccessToken, cred.AccessToken,
		fieldClientID, cred.ClientID,
		fieldExpiresAt, cred.ExpiresAt.UTC().Format(time.RFC3339),
	)
	pipe.ExpireAt(ctx, key, cred.ExpiresAt)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// Credential loads the session's credential. A missing or incomplete hash
// is ErrNoSession.
func (s *Store) Credential(ctx context.Context, sid string) (helix.Credential, error) {
	values, err := s.client.HMGet(ctx, s.key(sid), fieldAccessToken, fieldClientID, fieldExpiresAt).Result()
	if err != nil {
		return helix.Credential{}, fmt.Errorf("load credential: %w", err)
	}
	token, _ := values[0].(string)
	clientID, _ := values[1].(string)
	rawExpiry, _ := values[2].(string)
	if token == "" || clientID == "" {
		return helix.Credential{}, ErrNoSession
	}
	expiresAt, err := time.Parse(time.RFC3339, rawExpiry)
	if err != nil {
		return helix.Credential{}, ErrNoSession
	}
	return helix.Credential{
		AccessToken: token,
		ClientID:    clientID,
		ExpiresAt:   expiresAt,
	}, nil
}

func (s *Store) SaveIdentity(ctx context.Context, sid string, identity helix.Identity) error {
	payload, err := json.Marshal(identity)
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	if err := s.client.HSet(ctx, s.key(sid), fieldIdentity, payload).Err(); err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	return nil
}

// Identity returns the cached identity and whether one is cached at all.
func (s *Store) Identity(ctx context.Context, sid string) (helix.Identity, bool, error) {
	raw, err := s.client.HGet(ctx, s.key(sid), fieldIdentity).Result()
	if err == redis.Nil {
		return helix.Identity{}, false, nil
	}
	if err != nil {
		return helix.Identity{}, false, fmt.Errorf("load identity: %w", err)
	}
	var identity helix.Identity
	if err := json.Unmarshal([]byte(raw), &identity); err != nil {
		return helix.Identity{}, false, fmt.Errorf("unmarshal identity: %w", err)
	}
	return identity, true, nil
}

// SaveChannels replaces the moderated-channel list. The list is written as
// a whole; callers must never persist a partial reconciliation.
func (s *Store) SaveChannels(ctx context.Context, sid string, channels []ModeratedChannel) error {
	payload, err := json.Marshal(channels)
	if err != nil {
		return fmt.Errorf("marshal channels: %w", err)
	}
	if err := s.client.HSet(ctx, s.key(sid), fieldChannels, payload).Err(); err != nil {
		return fmt.Errorf("save channels: %w", err)
	}
	return nil
}

// Channels returns the moderated-channel list and whether one has been
// established for this session.
func (s *Store) Channels(ctx context.Context, sid string) ([]ModeratedChannel, bool, error) {
	raw, err := s.client.HGet(ctx, s.key(sid), fieldChannels).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load channels: %w", err)
	}
	var channels []ModeratedChannel
	if err := json.Unmarshal([]byte(raw), &channels); err != nil {
		return nil, false, fmt.Errorf("unmarshal channels: %w", err)
	}
	return channels, true, nil
}

func (s *Store) SetSelectedIndex(ctx context.Context, sid string, index int) error {
	if err := s.client.HSet(ctx, s.key(sid), fieldIndex, strconv.Itoa(index)).Err(); err != nil {
		return fmt.Errorf("save selected index: %w", err)
	}
	return nil
}

// SelectedIndex returns the selected channel index. An absent or
// unparseable value reports ok=false; it is "uninitialized", not an error.
// Range checking against the list length is the caller's job.
func (s *Store) SelectedIndex(ctx context.Context, sid string) (int, bool, error) {
	raw, err := s.client.HGet(ctx, s.key(sid), fieldIndex).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load selected index: %w", err)
	}
	index, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, nil
	}
	return index, true, nil
}

// Delete discards the whole session.
func (s *Store) Delete(ctx context.Context, sid string) error {
	if err := s.client.Del(ctx, s.key(sid)).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// SaveAuthState stores a single-use OAuth state nonce.
func (s *Store) SaveAuthState(ctx context.Context, state string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.statePrefix+state, "1", ttl).Err(); err != nil {
		return fmt.Errorf("save auth state: %w", err)
	}
	return nil
}

// ConsumeAuthState atomically checks and deletes a state nonce. A consumed
// or unknown nonce reports false.
func (s *Store) ConsumeAuthState(ctx context.Context, state string) (bool, error) {
	_, err := s.client.GetDel(ctx, s.statePrefix+state).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("consume auth state: %w", err)
	}
	return true, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
