package web3

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// revertPaymentIncorrect mirrors the revert reason of the souk contract's
// purchase method.
const revertPaymentIncorrect = "execution reverted: incorrect payment amount"

// MemoryClient simulates the souk contract in process. It backs tests and
// deployments that run without any chain endpoint.
type MemoryClient struct {
	mu      sync.Mutex
	chainID *big.Int
	block   uint64
	nonce   uint64
	prices  map[string]*big.Int
	anchors map[string]string
	count   uint64
}

// NewMemoryClient creates an empty in-process chain.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		chainID: big.NewInt(1337),
		prices:  make(map[string]*big.Int),
		anchors: make(map[string]string),
	}
}

// FetchChainSnapshot reports the simulated chain head.
func (m *MemoryClient) FetchChainSnapshot(_ context.Context) (ChainSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ChainSnapshot{
		ChainID:     "0x" + m.chainID.Text(16),
		BlockNumber: fmt.Sprintf("0x%x", m.block),
		Notes:       "in-process chain",
	}, nil
}

// ExecuteAction applies a named action against the simulated contract.
func (m *MemoryClient) ExecuteAction(_ context.Context, action, _ string) (*ActionReceipt, error) {
	parsed, err := ParseAction(action)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch parsed.Kind {
	case ActionAnchor:
		hash := m.stampLocked("anchor|" + parsed.Digest)
		m.anchors[parsed.Digest] = hash
		return &ActionReceipt{Action: action, TxHash: hash, BlockNumber: fmt.Sprintf("0x%x", m.block)}, nil
	case ActionSoukAdd:
		if _, ok := m.prices[parsed.ID]; !ok {
			m.count++
		}
		m.prices[parsed.ID] = new(big.Int).Set(parsed.Price)
		hash := m.stampLocked("add|" + parsed.ID)
		return &ActionReceipt{Action: action, TxHash: hash, BlockNumber: fmt.Sprintf("0x%x", m.block)}, nil
	case ActionSoukPurchase:
		price, ok := m.prices[parsed.ID]
		if !ok {
			return nil, errors.New("execution reverted: unknown product")
		}
		expected := new(big.Int).Mul(price, parsed.Quantity)
		if expected.Cmp(parsed.Payment) != 0 {
			return nil, errors.New(revertPaymentIncorrect)
		}
		hash := m.stampLocked("purchase|" + parsed.ID)
		return &ActionReceipt{Action: action, TxHash: hash, BlockNumber: fmt.Sprintf("0x%x", m.block)}, nil
	case ActionSoukCount:
		return &ActionReceipt{Action: action, Result: fmt.Sprintf("%d", m.count)}, nil
	case ActionBalance, ActionNonce:
		// 本地模拟链没有账户模型，统一返回零值。
		return &ActionReceipt{Action: action, Result: "0x0"}, nil
	default:
		return nil, fmt.Errorf("暂不支持的链上操作: %s", action)
	}
}

// AnchorTx reports the transaction hash a digest was anchored with.
func (m *MemoryClient) AnchorTx(digest string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hash, ok := m.anchors[digest]
	return hash, ok
}

// DeployContract is not supported by the in-process chain.
func (m *MemoryClient) DeployContract(context.Context, *bind.TransactOpts, string, []byte, ...any) (DeploymentResult, error) {
	return DeploymentResult{}, errors.New("本地模拟链不支持合约部署")
}

// SubscribeEvents is not supported by the in-process chain.
func (m *MemoryClient) SubscribeEvents(context.Context, gethcore.FilterQuery) (*EventSubscription, error) {
	return nil, errors.New("本地模拟链不支持事件订阅")
}

// SendBatchTransactions accepts signed transactions without applying state.
func (m *MemoryClient) SendBatchTransactions(_ context.Context, txs []*types.Transaction) ([]common.Hash, error) {
	if len(txs) == 0 {
		return nil, errors.New("没有可发送的交易")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	hashes := make([]common.Hash, 0, len(txs))
	for _, tx := range txs {
		m.block++
		hashes = append(hashes, tx.Hash())
	}
	return hashes, nil
}

// Close releases nothing for the in-process chain.
func (m *MemoryClient) Close() {}

// stampLocked advances the chain and derives a deterministic pseudo hash.
// Callers must hold mu.
func (m *MemoryClient) stampLocked(payload string) string {
	m.block++
	m.nonce++
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d", payload, m.nonce)))
	return "0x" + hex.EncodeToString(sum[:])
}

var _ Client = (*MemoryClient)(nil)
