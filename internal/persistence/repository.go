package persistence

import "grid-engine-go/internal/models"

// StateRepository stores the latest engine snapshot of each strategy.
// It abstracts the underlying storage so the strategy actor can be tested
// without a database.
type StateRepository interface {
	// SaveState atomically replaces the stored snapshot for state.StrategyID.
	SaveState(state *models.GridTradingState) error

	// LoadState returns the stored snapshot for strategyID.
	// If no snapshot is found, it returns (nil, nil).
	LoadState(strategyID string) (*models.GridTradingState, error)

	// ListStrategies returns the ids of every stored snapshot.
	ListStrategies() ([]string, error)

	// DeleteState removes a strategy's snapshot. Deleting a missing key is not an error.
	DeleteState(strategyID string) error

	// Close gracefully closes the connection to the database.
	Close() error
}
