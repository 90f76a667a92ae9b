package thread

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/mnemo-oss/mnemo/internal/message"
)

// BadgerStore persists threads in an embedded Badger database.
//
// Key layout:
//
//	n\x00<thread>              next sequence number
//	i\x00<thread>\x00<msg id>  sequence of a message
//	m\x00<thread>\x00<seq>     message JSON, seq big-endian
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) a Badger database in dir.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).
		WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func counterKey(threadID string) []byte { return []byte("n\x00" + threadID) }

func indexKey(threadID, msgID string) []byte {
	return []byte("i\x00" + threadID + "\x00" + msgID)
}

func messagePrefix(threadID string) []byte { return []byte("m\x00" + threadID + "\x00") }

func messageKey(threadID string, seq uint64) []byte {
	key := messagePrefix(threadID)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return append(key, buf[:]...)
}

func (s *BadgerStore) Append(_ context.Context, threadID string, msgs ...message.Message) error {
	return s.db.Update(func(txn *badger.Txn) error {
		next, err := readUint(txn, counterKey(threadID))
		if err != nil {
			return err
		}

		for _, m := range message.Add(nil, msgs...) {
			data, err := json.Marshal(m)
			if err != nil {
				return fmt.Errorf("marshal message: %w", err)
			}

			seq, err := readUint(txn, indexKey(threadID, m.ID))
			if err != nil {
				return err
			}
			if seq == 0 {
				next++
				seq = next
				if err := txn.Set(indexKey(threadID, m.ID), encodeUint(seq)); err != nil {
					return err
				}
			}
			if err := txn.Set(messageKey(threadID, seq), data); err != nil {
				return err
			}
		}
		return txn.Set(counterKey(threadID), encodeUint(next))
	})
}

func (s *BadgerStore) Messages(_ context.Context, threadID string) ([]message.Message, error) {
	msgs := []message.Message{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = messagePrefix(threadID)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var m message.Message
				if err := json.Unmarshal(val, &m); err != nil {
					return fmt.Errorf("decode message: %w", err)
				}
				msgs = append(msgs, m)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return msgs, err
}

func (s *BadgerStore) List(_ context.Context) ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte("n\x00")

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, string(it.Item().Key()[2:]))
		}
		return nil
	})
	return ids, err
}

func (s *BadgerStore) Delete(_ context.Context, threadID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var keys [][]byte
		for _, prefix := range [][]byte{messagePrefix(threadID), []byte("i\x00" + threadID + "\x00")} {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = prefix
			it := txn.NewIterator(opts)
			for it.Rewind(); it.Valid(); it.Next() {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
			it.Close()
		}
		keys = append(keys, counterKey(threadID))
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func readUint(txn *badger.Txn, key []byte) (uint64, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var v uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupt counter at %q", key)
		}
		v = binary.BigEndian.Uint64(val)
		return nil
	})
	return v, err
}

func encodeUint(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf[:]
}
