package web3

import (
	"context"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethevent "github.com/ethereum/go-ethereum/event"
)

// ChainSnapshot is a light summary of the connected network, suitable for
// status endpoints and reports.
type ChainSnapshot struct {
	ChainID     string
	BlockNumber string
	Notes       string
}

// ActionReceipt captures the outcome of a named chain action. Read-only
// actions fill Result and leave TxHash empty; mutations carry the hash of
// the submitted transaction.
type ActionReceipt struct {
	Action      string
	TxHash      string
	Result      string
	BlockNumber string
}

// DeploymentResult is what a contract deployment request hands back.
type DeploymentResult struct {
	ContractAddress common.Address
	Transaction     *types.Transaction
}

// EventSubscription hides the go-ethereum event package behind a small
// lifecycle wrapper.
type EventSubscription struct {
	logs <-chan types.Log
	sub  gethevent.Subscription
}

// NewEventSubscription wraps an established log subscription.
func NewEventSubscription(logs <-chan types.Log, sub gethevent.Subscription) *EventSubscription {
	return &EventSubscription{logs: logs, sub: sub}
}

// Logs returns the channel carrying matched chain logs.
func (e *EventSubscription) Logs() <-chan types.Log {
	return e.logs
}

// Err forwards the subscription error channel.
func (e *EventSubscription) Err() <-chan error {
	if e == nil || e.sub == nil {
		return nil
	}
	return e.sub.Err()
}

// Close terminates the subscription.
func (e *EventSubscription) Close() {
	if e == nil || e.sub == nil {
		return
	}
	e.sub.Unsubscribe()
}

// Client is the uniform surface every chain backend provides to the higher
// layers.
//
// Named actions understood by ExecuteAction:
//
//	anchor:<digest>                     anchor a certification digest
//	souk:add:<id>:<price>               register a product on the souk contract
//	souk:purchase:<id>:<qty>:<payment>  purchase through the souk contract
//	souk:count                          read the product counter
//	eth_getBalance                      balance of the given address
//	eth_getTransactionCount             pending nonce of the given address
type Client interface {
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	ExecuteAction(ctx context.Context, action, address string) (*ActionReceipt, error)
	DeployContract(ctx context.Context, auth *bind.TransactOpts, abiJSON string, bytecode []byte, params ...any) (DeploymentResult, error)
	SubscribeEvents(ctx context.Context, query gethcore.FilterQuery) (*EventSubscription, error)
	SendBatchTransactions(ctx context.Context, txs []*types.Transaction) ([]common.Hash, error)
	Close()
}
