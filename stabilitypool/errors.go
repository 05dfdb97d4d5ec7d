package stabilitypool

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/pkg/errors"

	"github.com/soyart/spgains/entity"
)

var ErrInvalidAddress = errors.New("invalid address")

// JSON-RPC error codes a node (or a public gateway in front of it) uses to
// throttle callers. These say nothing about the contract call itself.
var throttleCodes = map[int]bool{
	-32005: true, // limit exceeded
	-32090: true, // rate limited
	429:    true, // some gateways echo the HTTP status
}

type ErrorKind int

const (
	// KindTransport means the node could not be reached or did not answer in time.
	KindTransport ErrorKind = iota
	// KindContractCall means the node answered, but the call reverted or returned garbage.
	KindContractCall
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindContractCall:
		return "contract call"
	default:
		panic(fmt.Sprintf("bad error kind: %d", k))
	}
}

// CallError is returned for a failed collateralGainsByDepositor read.
type CallError struct {
	Collateral entity.Collateral
	Kind       ErrorKind
	Err        error
}

func (e *CallError) Error() string {
	return fmt.Sprintf(
		"%s error reading %s (pool %s, index %d): %s",
		e.Kind.String(), e.Collateral.Symbol, e.Collateral.Pool, e.Collateral.Index, e.Err.Error(),
	)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

func IsTransport(err error) bool {
	var callErr *CallError
	return errors.As(err, &callErr) && callErr.Kind == KindTransport
}

func IsContractCall(err error) bool {
	var callErr *CallError
	return errors.As(err, &callErr) && callErr.Kind == KindContractCall
}

// classify tells apart errors reported by the node (JSON-RPC error objects,
// e.g. reverts) from errors in getting to the node at all.
func classify(err error) ErrorKind {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		if throttleCodes[rpcErr.ErrorCode()] {
			return KindTransport
		}

		return KindContractCall
	}

	return KindTransport
}

// retryable reports whether another attempt could succeed. Calls cancelled
// by the caller are never retried.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}

	return classify(err) == KindTransport
}
