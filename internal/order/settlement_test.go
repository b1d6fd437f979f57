package order

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/mbd888/p2pramp/internal/chain"
	"github.com/mbd888/p2pramp/internal/relay"
	"github.com/mbd888/p2pramp/internal/retry"
	"github.com/mbd888/p2pramp/internal/rpcpool"
)

const (
	settlementKey   = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	settlementToken = "0x55d398326f99059fF775485246999027B3197955"
)

// stuckNode accepts every transaction and keeps it in its mempool without
// mining it until mine is called.
type stuckNode struct {
	mu      sync.Mutex
	sent    []*types.Transaction
	receipt *types.Receipt
}

func (n *stuckNode) sends() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func (n *stuckNode) sentHash(i int) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent[i].Hash().Hex()
}

func (n *stuckNode) mine() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.receipt = &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(100), GasUsed: 50000}
}

func (n *stuckNode) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 7, nil
}

func (n *stuckNode) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(3_000_000_000), nil
}

func (n *stuckNode) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 50000, nil
}

func (n *stuckNode) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, tx)
	return nil
}

func (n *stuckNode) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.receipt == nil {
		return nil, ethereum.NotFound
	}
	return n.receipt, nil
}

func (n *stuckNode) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, tx := range n.sent {
		if tx.Hash() == hash {
			return tx, n.receipt == nil, nil
		}
	}
	return nil, false, ethereum.NotFound
}

func (n *stuckNode) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	return 7, nil
}

func (n *stuckNode) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return common.LeftPadBytes(big.NewInt(0).Bytes(), 32), nil
}

func (n *stuckNode) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil), nil
}

func (n *stuckNode) ChainID(ctx context.Context) (*big.Int, error) {
	return big.NewInt(56), nil
}

func (n *stuckNode) Close() {}

// newSettlementEngine wires an engine to a real chain client through the gas
// station. Receipts are awaited for 30ms.
func newSettlementEngine(t *testing.T, node *stuckNode) (*Engine, *MemoryStore) {
	t.Helper()
	pool, err := rpcpool.New([]string{"stuck://node"})
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	client, err := chain.New(chain.Config{
		PrivateKey:     settlementKey,
		ChainID:        56,
		TokenContract:  settlementToken,
		ConfirmTimeout: 30 * time.Millisecond,
		Retry:          retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	}, pool,
		chain.WithDialer(func(context.Context, string) (chain.EthClient, error) { return node, nil }),
		chain.WithPollInterval(5*time.Millisecond))
	if err != nil {
		t.Fatalf("chain client: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go client.Start(ctx)
	t.Cleanup(func() {
		cancel()
		_ = client.Close()
	})

	station := relay.New(client, relay.Config{ChainID: 56, MinBalance: big.NewInt(1)})
	store := NewMemoryStore()
	// Zero admin: the relay account settles from its own balance.
	return NewEngine(store, NewRelayMover(station, common.Address{})), store
}

func TestSettlement_UnconfirmedTransferSentOnce(t *testing.T) {
	node := &stuckNode{}
	engine, store := newSettlementEngine(t, node)
	ctx := context.Background()

	o, err := engine.Create(ctx, User(userA), CreateRequest{Kind: KindBuyUPI, TokenAmount: "100", Rate: "85.60"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := engine.SetPaymentDetails(ctx, o.ID, Admin(), PaymentDetails{Identifier: "admin@upi"}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := engine.SubmitProof(ctx, o.ID, User(userA), "UTR1"); err != nil {
		t.Fatalf("proof: %v", err)
	}

	_, err = engine.Confirm(ctx, o.ID, Admin())
	var pe *TransferPendingError
	if !errors.As(err, &pe) {
		t.Fatalf("Expected pending transfer after the receipt wait timed out, got %v", err)
	}
	if node.sends() != 1 {
		t.Fatalf("Expected 1 broadcast, got %d", node.sends())
	}
	if want := node.sentHash(0); pe.TxHash != want {
		t.Errorf("Expected pending hash %s, got %s", want, pe.TxHash)
	}

	// The operator retries; the transfer is still unmined.
	if _, err := engine.Confirm(ctx, o.ID, Admin()); !errors.Is(err, ErrTransferPending) {
		t.Fatalf("Expected ErrTransferPending on retry, got %v", err)
	}
	if node.sends() != 1 {
		t.Fatalf("Retry must not broadcast again, got %d sends", node.sends())
	}

	node.mine()
	resp, err := engine.Confirm(ctx, o.ID, Admin())
	if err != nil {
		t.Fatalf("confirm after mining: %v", err)
	}
	if resp.Order.Status != StatusCompleted || resp.TxHash != pe.TxHash {
		t.Errorf("Expected completion on %s, got %+v", pe.TxHash, resp)
	}
	if node.sends() != 1 {
		t.Errorf("Expected exactly 1 broadcast overall, got %d", node.sends())
	}

	stored, err := store.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.TxPending || stored.TxHash != pe.TxHash {
		t.Errorf("Expected settled hash stored, got %+v", stored)
	}
}
