package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// Redis key prefixes for presence
const (
	lastSeenKeyPrefix = "last_seen:"
	typingKeyPrefix   = "typing:"
)

// typingTTL bounds a typing indicator in case a typing:stop is lost.
const typingTTL = 10 * time.Second

// PresenceStore persists the pieces of presence that survive a restart:
// last-seen timestamps, plus TTL-bounded typing sets. It is not authoritative
// for "is online now" — the in-memory connection registry is.
type PresenceStore struct {
	client   *goredis.Client
	lastSeen time.Duration
}

func NewPresenceStore(client *goredis.Client) *PresenceStore {
	return &PresenceStore{
		client:   client,
		lastSeen: 30 * 24 * time.Hour,
	}
}

// StampLastSeen records the moment a user's last connection closed.
func (p *PresenceStore) StampLastSeen(ctx context.Context, userID uuid.UUID, at time.Time) error {
	key := lastSeenKeyPrefix + userID.String()
	return p.client.Set(ctx, key, at.UTC().Format(time.RFC3339), p.lastSeen).Err()
}

// GetLastSeen returns the persisted last-seen time, or zero when unknown.
func (p *PresenceStore) GetLastSeen(ctx context.Context, userID uuid.UUID) (time.Time, error) {
	key := lastSeenKeyPrefix + userID.String()
	val, err := p.client.Get(ctx, key).Result()
	if err == goredis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, val)
}

// TrackTyping maintains the per-conversation typing set with a safety-net
// expiry against lost stop events.
func (p *PresenceStore) TrackTyping(ctx context.Context, conversationID, userID uuid.UUID, isTyping bool) error {
	key := fmt.Sprintf("%s%s", typingKeyPrefix, conversationID)

	if isTyping {
		pipe := p.client.Pipeline()
		pipe.SAdd(ctx, key, userID.String())
		pipe.Expire(ctx, key, typingTTL)
		_, err := pipe.Exec(ctx)
		return err
	}

	return p.client.SRem(ctx, key, userID.String()).Err()
}

// TypingUsers returns the users currently typing in a conversation.
func (p *PresenceStore) TypingUsers(ctx context.Context, conversationID uuid.UUID) ([]string, error) {
	key := fmt.Sprintf("%s%s", typingKeyPrefix, conversationID)
	return p.client.SMembers(ctx, key).Result()
}

// ClearTyping drops the typing marker a user left in a conversation, used on
// disconnect. Markers in other conversations age out via the set TTL.
func (p *PresenceStore) ClearTyping(ctx context.Context, conversationID, userID uuid.UUID) error {
	return p.TrackTyping(ctx, conversationID, userID, false)
}
