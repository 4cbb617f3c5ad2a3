package exchange

import (
	"context"
	"errors"
	"fmt"
	"grid-engine-go/internal/models"
)

// EventSink receives execution results as engine events. DispatchEvent may
// block while the consumer's queue is full and reports false once the
// consumer is gone.
type EventSink interface {
	DispatchEvent(models.Event) bool
}

// Executor 定义了所有交易场所实现必须提供的方法。
// A nil error means the venue took the request; acknowledgements, fills and
// cancel confirmations arrive later through the EventSink. Errors wrapping a
// *RejectError are final and are not retried.
type Executor interface {
	PlaceOrder(ctx context.Context, symbol string, cmd models.PlaceOrder) error
	CancelOrder(ctx context.Context, symbol string, cmd models.CancelOrder) error
	MarketClose(ctx context.Context, symbol string, cmd models.MarketClose) error
	// Reconcile looks up the order behind a level and answers with a
	// ReconcileReport on the sink.
	Reconcile(ctx context.Context, symbol string, cmd models.ReconcileRequest) error
}

// RejectError is a definitive refusal by the venue (bad price, no margin,
// unknown order). Retrying the same request cannot succeed.
type RejectError struct {
	Code   int64
	Reason string
}

func (e *RejectError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("rejected by venue (%d): %s", e.Code, e.Reason)
	}
	return "rejected by venue: " + e.Reason
}

// IsReject reports whether err carries a venue rejection.
func IsReject(err error) bool {
	var rej *RejectError
	return errors.As(err, &rej)
}

// TransportError is returned when a command could not be delivered after
// every retry.
type TransportError struct {
	Command  models.Command
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("deliver %s failed after %d attempts: %v", e.Command, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
