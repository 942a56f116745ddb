// Package badgerstore persists conversations and chat entries in an embedded
// BadgerDB. It backs single-node deployments and tests; an empty path opens
// an in-memory database.
//
// Key layout:
//
//	conv:<id>                      conversation record (JSON)
//	pair:<sender>:<recipient>      conversation id, one per orientation created
//	user:<user>:<id>               participant index, empty value
//	entry:<conv>:<seq>             chat entry (JSON), append ordered
//	seq:entry                      lease for the entry sequence
//
// Only Create reads keys inside its write transaction. Update and Append
// check existence in a separate read and then write blind, so concurrent
// sends on one pair never abort each other at commit.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/whisper/dmserver/internal/chat"
	"github.com/whisper/dmserver/internal/conversation"
	"github.com/whisper/dmserver/internal/storage"
)

const (
	prefixConv  = "conv:"
	prefixPair  = "pair:"
	prefixUser  = "user:"
	prefixEntry = "entry:"

	entrySeqKey       = "seq:entry"
	entrySeqBandwidth = 1000
)

// Store implements conversation.Store and chat.Store on top of BadgerDB.
type Store struct {
	db        *badger.DB
	entrySeq  *badger.Sequence
	now       func() time.Time
	closeOnce sync.Once
	closeErr  error
}

var (
	_ conversation.Store = (*Store)(nil)
	_ chat.Store         = (*Store)(nil)
)

// Open opens (or creates) a Badger database at path. An empty path opens an
// in-memory database that is discarded on Close.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.ERROR)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badgerstore: open %q: %w", path, err)
	}
	if path == "" {
		log.Printf("[badger] opened in-memory store")
	} else {
		log.Printf("[badger] opened store at %s", path)
	}
	s, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already opened database.
func New(db *badger.DB) (*Store, error) {
	seq, err := db.GetSequence([]byte(entrySeqKey), entrySeqBandwidth)
	if err != nil {
		return nil, fmt.Errorf("badgerstore: entry sequence: %w", err)
	}
	return &Store{db: db, entrySeq: seq, now: time.Now}, nil
}

// Close releases the entry sequence and closes the underlying database.
// Later calls return the first result.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		if err := s.entrySeq.Release(); err != nil {
			log.Printf("[badger] release entry sequence: %v", err)
		}
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

// FindByPair returns the conversation created with exactly this orientation,
// or nil when none exists.
func (s *Store) FindByPair(ctx context.Context, senderID, recipientID string) (*conversation.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.NotPersisted("badgerstore: find", err)
	}

	var conv *conversation.Conversation
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(pairKey(senderID, recipientID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		conv, err = getConversation(txn, string(id))
		return err
	})
	if err != nil {
		return nil, storage.NotPersisted("badgerstore: find", err)
	}
	return conv, nil
}

// Create inserts a new conversation. It fails with storage.ErrConflict when a
// conversation for the same unordered pair already exists, including when a
// concurrent transaction created it first.
func (s *Store) Create(ctx context.Context, conv *conversation.Conversation) error {
	if err := ctx.Err(); err != nil {
		return storage.NotPersisted("badgerstore: create", err)
	}

	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("badgerstore: marshal conversation: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		// Both orientations are read so that a concurrent create of the
		// reversed pair conflicts at commit.
		for _, key := range [][]byte{
			pairKey(conv.SenderID, conv.RecipientID),
			pairKey(conv.RecipientID, conv.SenderID),
		} {
			_, err := txn.Get(key)
			if err == nil {
				return storage.ErrConflict
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}

		if err := txn.Set(convKey(conv.ID), data); err != nil {
			return err
		}
		if err := txn.Set(pairKey(conv.SenderID, conv.RecipientID), []byte(conv.ID)); err != nil {
			return err
		}
		if err := txn.Set(userKey(conv.SenderID, conv.ID), nil); err != nil {
			return err
		}
		return txn.Set(userKey(conv.RecipientID, conv.ID), nil)
	})
	if errors.Is(err, badger.ErrConflict) {
		err = storage.ErrConflict
	}
	if err != nil {
		return storage.NotPersisted("badgerstore: create", err)
	}
	return nil
}

// Update overwrites the mutable fields of an existing conversation. Racing
// updates on one record all commit; the last one stands.
func (s *Store) Update(ctx context.Context, conv *conversation.Conversation) error {
	if err := ctx.Err(); err != nil {
		return storage.NotPersisted("badgerstore: update", err)
	}

	var current *conversation.Conversation
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		current, err = getConversation(txn, conv.ID)
		return err
	})
	if err == nil && current == nil {
		err = storage.ErrNotFound
	}
	if err != nil {
		return storage.NotPersisted("badgerstore: update", err)
	}

	// Participants and createdAt never change, so the stored identity is
	// written back with the new mutable fields.
	current.LastMessage = conv.LastMessage
	current.ModifiedAt = conv.ModifiedAt
	data, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("badgerstore: marshal conversation: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(convKey(conv.ID), data)
	})
	if err != nil {
		return storage.NotPersisted("badgerstore: update", err)
	}
	return nil
}

// ListForUser returns every conversation the user participates in, in key
// order. Callers sort.
func (s *Store) ListForUser(ctx context.Context, userID string) ([]*conversation.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.NotPersisted("badgerstore: list conversations", err)
	}

	convs := make([]*conversation.Conversation, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(prefixUser + escape(userID) + ":")
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		var ids []string
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			ids = append(ids, string(it.Item().Key()[len(prefix):]))
		}

		for _, id := range ids {
			conv, err := getConversation(txn, id)
			if err != nil {
				return err
			}
			if conv != nil {
				convs = append(convs, conv)
			}
		}
		return nil
	})
	if err != nil {
		return nil, storage.NotPersisted("badgerstore: list conversations", err)
	}
	return convs, nil
}

// Append stores a new entry for an existing conversation.
func (s *Store) Append(ctx context.Context, conversationID string, typ chat.Type, message string) (*chat.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.NotPersisted("badgerstore: append", err)
	}

	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(convKey(conversationID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return storage.ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, storage.NotPersisted("badgerstore: append", err)
	}

	seq, err := s.entrySeq.Next()
	if err != nil {
		return nil, storage.NotPersisted("badgerstore: append", err)
	}

	entry := &chat.Entry{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Type:           typ,
		Message:        message,
		LikeCount:      0,
		CreatedAt:      s.now().UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("badgerstore: marshal entry: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entryKey(conversationID, seq), data)
	})
	if err != nil {
		return nil, storage.NotPersisted("badgerstore: append", err)
	}
	return entry, nil
}

// ListByConversation returns all entries of a conversation, oldest first.
func (s *Store) ListByConversation(ctx context.Context, conversationID string) ([]*chat.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.NotPersisted("badgerstore: list entries", err)
	}

	entries := make([]*chat.Entry, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(prefixEntry + conversationID + ":")
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var e chat.Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return err
			}
			entries = append(entries, &e)
		}
		return nil
	})
	if err != nil {
		return nil, storage.NotPersisted("badgerstore: list entries", err)
	}
	return entries, nil
}

func getConversation(txn *badger.Txn, id string) (*conversation.Conversation, error) {
	item, err := txn.Get(convKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var conv conversation.Conversation
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &conv)
	}); err != nil {
		return nil, err
	}
	return &conv, nil
}

func convKey(id string) []byte {
	return []byte(prefixConv + id)
}

func pairKey(senderID, recipientID string) []byte {
	return []byte(prefixPair + escape(senderID) + ":" + escape(recipientID))
}

func userKey(userID, convID string) []byte {
	return []byte(prefixUser + escape(userID) + ":" + convID)
}

// entryKey zero-pads the sequence to 20 digits so lexicographic key order is
// append order.
func entryKey(convID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixEntry, convID, seq))
}

// escape keeps user supplied ids from introducing key separators.
func escape(id string) string {
	return url.QueryEscape(id)
}
