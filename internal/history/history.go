// Package history keeps the append-only record of completed jobs. It is an
// operator-facing artifact (how much space did the library shrink), not
// scheduler state: losing it never affects pipeline correctness.
package history

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// Record is one completed encode.
type Record struct {
	Path          string    `json:"path"`
	OriginalBytes int64     `json:"originalBytes"`
	EncodedBytes  int64     `json:"encodedBytes"`
	CodecBefore   string    `json:"codecBefore"`
	CodecAfter    string    `json:"codecAfter"`
	Duration      float64   `json:"duration"`     // media seconds
	EncodingTime  float64   `json:"encodingTime"` // wall seconds
	CompletedAt   time.Time `json:"completedAt"`
}

// Summary aggregates all records.
type Summary struct {
	Count         int
	OriginalBytes int64
	EncodedBytes  int64
	SavedBytes    int64
	// MeanRatio is encoded/original averaged over records, 0 when empty.
	MeanRatio float64
}

// Store wraps the badger database.
type Store struct {
	db *badger.DB
}

// Open creates or opens the history store at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil // badger's own logger is too chatty for a side artifact
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Append stores one completion record.
func (s *Store) Append(rec Record) error {
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = time.Now()
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	// Keys sort by completion time; the uuid suffix keeps two completions
	// in the same clock tick from overwriting each other.
	id := uuid.New()
	key := make([]byte, 8+len(id))
	binary.BigEndian.PutUint64(key[:8], uint64(rec.CompletedAt.UnixNano())) // #nosec G115 -- wall clock is positive
	copy(key[8:], id[:])
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
}

// All returns every record in completion order.
func (s *Store) All() ([]Record, error) {
	var out []Record
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// Summarize folds all records into a Summary.
func (s *Store) Summarize() (Summary, error) {
	recs, err := s.All()
	if err != nil {
		return Summary{}, err
	}
	var sum Summary
	var ratioTotal float64
	for _, r := range recs {
		sum.Count++
		sum.OriginalBytes += r.OriginalBytes
		sum.EncodedBytes += r.EncodedBytes
		if r.OriginalBytes > 0 {
			ratioTotal += float64(r.EncodedBytes) / float64(r.OriginalBytes)
		}
	}
	sum.SavedBytes = sum.OriginalBytes - sum.EncodedBytes
	if sum.Count > 0 {
		sum.MeanRatio = ratioTotal / float64(sum.Count)
	}
	return sum, nil
}
