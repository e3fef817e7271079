package processor

import (
	"github.com/google/uuid"

	"github.com/wudi/apigw/internal/execution"
)

func init() {
	// Batch crypto/rand reads into a pool to avoid a syscall per UUID.
	uuid.EnableRandPool()
}

const (
	HeaderRequestID     = "X-Request-Id"
	HeaderTransactionID = "X-Transaction-Id"
)

// TransactionID assigns the request id and the transaction id. The
// transaction id is taken from the client header when present so calls can
// be correlated across gateways; the request id is always new. Both are
// propagated to the backend and returned to the client.
type TransactionID struct{}

func (TransactionID) ID() string { return "transaction-id" }

func (TransactionID) Execute(ctx *execution.Context) error {
	req := ctx.Request()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.TransactionID == "" {
		req.TransactionID = req.Headers.Get(HeaderTransactionID)
	}
	if req.TransactionID == "" {
		req.TransactionID = req.ID
	}

	req.Headers.Set(HeaderRequestID, req.ID)
	req.Headers.Set(HeaderTransactionID, req.TransactionID)
	ctx.Response().Headers.Set(HeaderRequestID, req.ID)
	ctx.Response().Headers.Set(HeaderTransactionID, req.TransactionID)

	m := ctx.Metrics()
	m.RequestID = req.ID
	m.TransactionID = req.TransactionID
	return nil
}
