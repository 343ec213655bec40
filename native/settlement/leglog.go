package settlement

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"settlenet/models"
)

// LegState is the durable outcome of one rail leg.
type LegState string

const (
	LegPrepared   LegState = "prepared"
	LegCommitted  LegState = "committed"
	LegRolledBack LegState = "rolled-back"
	LegFailed     LegState = "failed"
)

// LegRecord is what the coordinator persists about every leg, so a crashed
// process never re-prepares a committed leg and never commits a rolled-back
// one.
type LegRecord struct {
	State     LegState  `json:"state"`
	Rail      string    `json:"rail"`
	Token     string    `json:"token"`
	TxID      string    `json:"txId,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

const legPrefix = "leg/"

// LegLog is the durable per-leg outcome journal backed by leveldb.
type LegLog struct {
	db *leveldb.DB
}

// OpenLegLog opens or creates the log at path.
func OpenLegLog(path string) (*LegLog, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("settlement: open leg log: %w", err)
	}
	return &LegLog{db: db}, nil
}

// OpenMemLegLog opens an in-memory log for tests.
func OpenMemLegLog() (*LegLog, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("settlement: open leg log: %w", err)
	}
	return &LegLog{db: db}, nil
}

// Close releases the underlying store.
func (l *LegLog) Close() error {
	return l.db.Close()
}

// Put records the leg's current state.
func (l *LegLog) Put(settlementID string, leg models.LegType, record LegRecord) error {
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("settlement: encode leg record: %w", err)
	}
	if err := l.db.Put(legKey(settlementID, leg), data, nil); err != nil {
		return fmt.Errorf("settlement: write leg record: %w", err)
	}
	return nil
}

// Get returns the leg's recorded state, if any.
func (l *LegLog) Get(settlementID string, leg models.LegType) (LegRecord, bool, error) {
	data, err := l.db.Get(legKey(settlementID, leg), nil)
	if err == leveldb.ErrNotFound {
		return LegRecord{}, false, nil
	}
	if err != nil {
		return LegRecord{}, false, fmt.Errorf("settlement: read leg record: %w", err)
	}
	var record LegRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return LegRecord{}, false, fmt.Errorf("settlement: decode leg record: %w", err)
	}
	return record, true, nil
}

// ForSettlement returns every recorded leg of one settlement.
func (l *LegLog) ForSettlement(settlementID string) (map[models.LegType]LegRecord, error) {
	out := make(map[models.LegType]LegRecord)
	iter := l.db.NewIterator(util.BytesPrefix([]byte(legPrefix+settlementID+"/")), nil)
	defer iter.Release()
	for iter.Next() {
		key := string(iter.Key())
		leg := models.LegType(key[strings.LastIndexByte(key, '/')+1:])
		var record LegRecord
		if err := json.Unmarshal(iter.Value(), &record); err != nil {
			return nil, fmt.Errorf("settlement: decode leg record %s: %w", key, err)
		}
		out[leg] = record
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("settlement: scan leg log: %w", err)
	}
	return out, nil
}

// OpenSettlements lists settlement ids holding at least one non-terminal leg.
func (l *LegLog) OpenSettlements() ([]string, error) {
	open := make(map[string]bool)
	iter := l.db.NewIterator(util.BytesPrefix([]byte(legPrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		key := string(iter.Key())
		rest := strings.TrimPrefix(key, legPrefix)
		slash := strings.LastIndexByte(rest, '/')
		if slash < 0 {
			continue
		}
		id := rest[:slash]
		var record LegRecord
		if err := json.Unmarshal(iter.Value(), &record); err != nil {
			return nil, fmt.Errorf("settlement: decode leg record %s: %w", key, err)
		}
		if record.State == LegPrepared {
			open[id] = true
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("settlement: scan leg log: %w", err)
	}
	ids := make([]string, 0, len(open))
	for id, pending := range open {
		if pending {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Drop removes every record of one settlement once it reaches a terminal,
// reconciled state.
func (l *LegLog) Drop(settlementID string) error {
	iter := l.db.NewIterator(util.BytesPrefix([]byte(legPrefix+settlementID+"/")), nil)
	defer iter.Release()
	batch := new(leveldb.Batch)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("settlement: scan leg log: %w", err)
	}
	if err := l.db.Write(batch, nil); err != nil {
		return fmt.Errorf("settlement: prune leg log: %w", err)
	}
	return nil
}

func legKey(settlementID string, leg models.LegType) []byte {
	return []byte(legPrefix + settlementID + "/" + string(leg))
}
