// Package spool persists outbound messages until the broker confirms them,
// so an interrupted publish run can be replayed without losing or
// duplicating work it already finished.
package spool

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/tidwall/buntdb"

	"github.com/grasevski/amqpcli/message"
)

const (
	keyPrefixEntry = "entry:"
	keySeqCounter  = "system:seqno"
)

// Entry is one journaled message. The destination travels with the body so
// a replay does not depend on the original command line.
type Entry struct {
	Seq        uint64             `json:"seq"`
	Exchange   string             `json:"exchange"`
	RoutingKey string             `json:"routing_key"`
	Properties message.Properties `json:"properties"`
	Body       []byte             `json:"body"`
	EnqueuedAt time.Time          `json:"enqueued_at"`
}

// Spool is an on-disk journal of unconfirmed publishes backed by buntdb.
// An empty path keeps the journal in memory.
type Spool struct {
	db *buntdb.DB
}

// Open opens or creates the journal at path.
func Open(path string) (*Spool, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening spool: %w", err)
	}

	err = db.CreateIndex("idx_"+keyPrefixEntry, keyPrefixEntry+"*", buntdb.IndexString)
	if err != nil && err != buntdb.ErrIndexExists {
		db.Close()
		return nil, fmt.Errorf("creating spool index: %w", err)
	}

	return &Spool{db: db}, nil
}

// Close shuts the journal down.
func (s *Spool) Close() error {
	return s.db.Close()
}

// Append journals one message and returns its sequence number. Sequence
// numbers survive restarts and are never reused, so settled entries leave
// no ambiguity behind.
func (s *Spool) Append(e Entry) (uint64, error) {
	var seq uint64
	err := s.db.Update(func(tx *buntdb.Tx) error {
		cur, err := tx.Get(keySeqCounter)
		if err != nil && err != buntdb.ErrNotFound {
			return err
		}
		if cur != "" {
			seq, err = strconv.ParseUint(cur, 10, 64)
			if err != nil {
				return fmt.Errorf("corrupt sequence counter %q: %w", cur, err)
			}
		}
		seq++

		if _, _, err := tx.Set(keySeqCounter, strconv.FormatUint(seq, 10), nil); err != nil {
			return err
		}

		e.Seq = seq
		if e.EnqueuedAt.IsZero() {
			e.EnqueuedAt = time.Now().UTC()
		}
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encoding spool entry: %w", err)
		}

		_, _, err = tx.Set(entryKey(seq), string(data), nil)
		return err
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// Settle removes a confirmed entry. Settling an unknown sequence number is
// not an error; a replay may race a confirmation from the original run.
func (s *Spool) Settle(seq uint64) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(entryKey(seq))
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
}

// Pending returns the unsettled entries in append order.
func (s *Spool) Pending() ([]Entry, error) {
	var entries []Entry
	var scanErr error

	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(keyPrefixEntry+"*", func(key, value string) bool {
			var e Entry
			if err := json.Unmarshal([]byte(value), &e); err != nil {
				scanErr = fmt.Errorf("corrupt spool entry %s: %w", key, err)
				return false
			}
			entries = append(entries, e)
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	if scanErr != nil {
		return nil, scanErr
	}
	return entries, nil
}

// Len reports how many entries are still unsettled.
func (s *Spool) Len() (int, error) {
	n := 0
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(keyPrefixEntry+"*", func(key, value string) bool {
			n++
			return true
		})
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// entryKey zero-pads the sequence number so lexicographic key order matches
// append order.
func entryKey(seq uint64) string {
	return fmt.Sprintf("%s%020d", keyPrefixEntry, seq)
}
