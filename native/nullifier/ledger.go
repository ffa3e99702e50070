package nullifier

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rlp"

	"veilpay/storage"
)

// ErrAlreadyUsed is returned when a tag has previously been consumed. Exactly
// one of any number of concurrent MarkUsed calls for the same tag succeeds.
var ErrAlreadyUsed = errors.New("nullifier: tag already used")

var (
	recordPrefix = []byte("nullifier/tag/")
	indexKey     = []byte("nullifier/index")
)

type storedRecord struct {
	Tag        [32]byte
	ConsumedAt uint64
}

// Ledger tracks one-time authorization tags so repeated charge attempts cannot
// replay a consumed nonce or delegation counter. Durability follows the
// backing store: memdb in tests, leveldb in production.
type Ledger struct {
	mu    sync.Mutex
	store storage.Database
	clock func() time.Time
}

// NewLedger constructs a ledger bound to the provided storage backend.
func NewLedger(store storage.Database) *Ledger {
	return &Ledger{store: store, clock: time.Now}
}

// SetClock overrides the time source (primarily for deterministic testing).
func (l *Ledger) SetClock(clock func() time.Time) {
	if l == nil || clock == nil {
		return
	}
	l.clock = clock
}

// IsUsed reports whether the tag has been consumed.
func (l *Ledger) IsUsed(tag [32]byte) (bool, error) {
	if l == nil || l.store == nil {
		return false, fmt.Errorf("nullifier: ledger not initialised")
	}
	return l.store.Has(tagKey(tag))
}

// MarkUsed consumes the tag. The check and the write are a single atomic step
// against the backing store, so two concurrent charge attempts on the same tag
// cannot both succeed.
func (l *Ledger) MarkUsed(tag [32]byte) error {
	if l == nil || l.store == nil {
		return fmt.Errorf("nullifier: ledger not initialised")
	}
	now := l.clock().UTC().Unix()
	if now < 0 {
		now = 0
	}
	record := storedRecord{Tag: tag, ConsumedAt: uint64(now)}
	encoded, err := rlp.EncodeToBytes(record)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.store.PutIfAbsent(tagKey(tag), encoded); err != nil {
		if errors.Is(err, storage.ErrKeyExists) {
			return ErrAlreadyUsed
		}
		return err
	}
	return l.appendIndex(record)
}

// Entry describes a consumed tag for operator inspection.
type Entry struct {
	Tag        [32]byte
	ConsumedAt int64
}

// List returns consumed tags within the inclusive timestamp window, oldest
// first. Zero bounds disable the respective filter.
func (l *Ledger) List(startTs, endTs int64) ([]Entry, error) {
	if l == nil || l.store == nil {
		return nil, fmt.Errorf("nullifier: ledger not initialised")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	records, err := l.loadIndex()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(records))
	for _, record := range records {
		if record.ConsumedAt > math.MaxInt64 {
			return nil, fmt.Errorf("nullifier: consumed at overflow for %s", hex.EncodeToString(record.Tag[:]))
		}
		consumedAt := int64(record.ConsumedAt)
		if startTs != 0 && consumedAt < startTs {
			continue
		}
		if endTs != 0 && consumedAt > endTs {
			continue
		}
		entries = append(entries, Entry{Tag: record.Tag, ConsumedAt: consumedAt})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].ConsumedAt == entries[j].ConsumedAt {
			return hex.EncodeToString(entries[i].Tag[:]) < hex.EncodeToString(entries[j].Tag[:])
		}
		return entries[i].ConsumedAt < entries[j].ConsumedAt
	})
	return entries, nil
}

func (l *Ledger) appendIndex(record storedRecord) error {
	records, err := l.loadIndex()
	if err != nil {
		return err
	}
	records = append(records, record)
	encoded, err := rlp.EncodeToBytes(records)
	if err != nil {
		return err
	}
	return l.store.Put(indexKey, encoded)
}

func (l *Ledger) loadIndex() ([]storedRecord, error) {
	ok, err := l.store.Has(indexKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	raw, err := l.store.Get(indexKey)
	if err != nil {
		return nil, err
	}
	var records []storedRecord
	if err := rlp.DecodeBytes(raw, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func tagKey(tag [32]byte) []byte {
	buf := make([]byte, len(recordPrefix)+hex.EncodedLen(len(tag)))
	copy(buf, recordPrefix)
	hex.Encode(buf[len(recordPrefix):], tag[:])
	return buf
}
