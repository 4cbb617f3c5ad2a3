package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"grid-engine-go/internal/models"

	"github.com/dgraph-io/badger/v3"
)

const keyPrefix = "grid_state/"

// badgerRepository is the BadgerDB implementation of the StateRepository.
type badgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository opens (or creates) a BadgerDB database at dbPath.
func NewBadgerRepository(dbPath string) (StateRepository, error) {
	opts := badger.DefaultOptions(dbPath)
	// Badger's own logger is noisy; errors are still returned from DB operations.
	opts.Logger = nil
	return open(opts)
}

// NewInMemoryRepository returns a repository backed by an in-memory badger
// instance. Nothing survives Close.
func NewInMemoryRepository() (StateRepository, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return open(opts)
}

func open(opts badger.Options) (StateRepository, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &badgerRepository{db: db}, nil
}

func stateKey(strategyID string) []byte {
	return []byte(keyPrefix + strategyID)
}

// SaveState marshals the snapshot into JSON under the strategy's key. An
// older version never overwrites a newer one.
func (r *badgerRepository) SaveState(state *models.GridTradingState) error {
	if state == nil || state.StrategyID == "" {
		return errors.New("save state: snapshot without strategy id")
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}

	return r.db.Update(func(txn *badger.Txn) error {
		key := stateKey(state.StrategyID)
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			var stored struct {
				Version uint64 `json:"version"`
			}
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &stored) }); err != nil {
				return err
			}
			if stored.Version > state.Version {
				return nil
			}
		}
		return txn.Set(key, data)
	})
}

// LoadState loads a strategy's snapshot.
// If the key is not found, it returns (nil, nil) to indicate no state is present.
func (r *badgerRepository) LoadState(strategyID string) (*models.GridTradingState, error) {
	var state models.GridTradingState

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(stateKey(strategyID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("state value is empty in database")
			}
			return json.Unmarshal(val, &state)
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state %s: %w", strategyID, err)
	}
	return &state, nil
}

func (r *badgerRepository) ListStrategies() ([]string, error) {
	var ids []string
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, string(it.Item().Key()[len(keyPrefix):]))
		}
		return nil
	})
	return ids, err
}

func (r *badgerRepository) DeleteState(strategyID string) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(stateKey(strategyID))
	})
}

// Close gracefully closes the connection to the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}
