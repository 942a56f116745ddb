package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix prefixes the hash holding one connection's record.
	SessionPrefix = "session:"

	// UserPrefix prefixes the set of session IDs a user is registered on.
	UserPrefix = "user_sessions:"

	// SessionTTL bounds how long a record outlives a server that died
	// without cleaning up.
	SessionTTL = 1 * time.Hour
)

// Session is the Redis record of one WebSocket connection.
type Session struct {
	ID         string `redis:"id" json:"id"`
	UserID     string `redis:"user_id" json:"userId"`         // empty until the connection registers
	Server     string `redis:"server" json:"server"`          // instance holding the socket
	CreatedAt  int64  `redis:"created_at" json:"createdAt"`   // unix seconds
	LastActive int64  `redis:"last_active" json:"lastActive"` // unix seconds
}

// Store reads and writes session records.
type Store struct {
	client     *redis.Client
	serverName string
}

// NewStore connects to Redis at redisAddr. serverName is written into every
// record this instance creates.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: redisAddr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// Create writes the record for a new, unregistered connection.
func (s *Store) Create(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	now := time.Now().Unix()

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"id", sessionID,
			"user_id", "",
			"server", s.serverName,
			"created_at", now,
			"last_active", now,
		)
		pipe.Expire(ctx, key, SessionTTL)
		return nil
	})
	return err
}

// Get returns the record for sessionID, or nil if there is none.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	if err := s.client.HGetAll(ctx, SessionPrefix+sessionID).Scan(&sess); err != nil {
		return nil, err
	}
	if sess.ID == "" {
		return nil, nil
	}
	return &sess, nil
}

// SetUser records that sessionID registered as userID. A connection that
// re-registers under another user leaves the previous user's index.
func (s *Store) SetUser(ctx context.Context, sessionID string, userID string) error {
	key := SessionPrefix + sessionID

	prev, err := s.client.HGet(ctx, key, "user_id").Result()
	if err != nil && err != redis.Nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if prev != "" && prev != userID {
			pipe.SRem(ctx, UserPrefix+prev, sessionID)
		}
		pipe.HSet(ctx, key, "user_id", userID, "last_active", time.Now().Unix())
		pipe.Expire(ctx, key, SessionTTL)
		pipe.SAdd(ctx, UserPrefix+userID, sessionID)
		pipe.Expire(ctx, UserPrefix+userID, SessionTTL)
		return nil
	})
	return err
}

// SessionsForUser lists the sessions, on any instance, that registered as
// userID.
func (s *Store) SessionsForUser(ctx context.Context, userID string) ([]*Session, error) {
	ids, err := s.client.SMembers(ctx, UserPrefix+userID).Result()
	if err != nil {
		return nil, err
	}

	var out []*Session
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		// An expired record leaves a stale index member behind.
		if sess == nil || sess.UserID != userID {
			s.client.SRem(ctx, UserPrefix+userID, id)
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

// Touch marks the session active and extends its TTL.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "last_active", time.Now().Unix())
		pipe.Expire(ctx, key, SessionTTL)
		return nil
	})
	return err
}

// Delete removes the record and its user index entry.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID

	userID, err := s.client.HGet(ctx, key, "user_id").Result()
	if err != nil && err != redis.Nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if userID != "" {
			pipe.SRem(ctx, UserPrefix+userID, sessionID)
		}
		return nil
	})
	return err
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client exposes the Redis client so the rate limiter can share it.
func (s *Store) Client() *redis.Client {
	return s.client
}
