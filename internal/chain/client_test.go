package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/p2pramp/internal/retry"
	"github.com/mbd888/p2pramp/internal/rpcpool"
)

const (
	testKey   = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	testToken = "0x55d398326f99059fF775485246999027B3197955"
)

var (
	userAddr  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	adminAddr = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

// mockEth implements EthClient with scripted responses and call counts.
type mockEth struct {
	mu sync.Mutex

	pendingNonce uint64
	gasPrice     *big.Int
	estimate     uint64
	estimateErr  error
	sendErr      error
	balanceErr   error
	callErr      error
	chainID      *big.Int
	nativeBal    *big.Int
	callResult   []byte
	receipt      *types.Receipt
	knownTx      bool
	accountNonce uint64

	sent  []*types.Transaction
	calls map[string]int
}

func newMockEth() *mockEth {
	return &mockEth{
		gasPrice:  big.NewInt(3_000_000_000),
		estimate:  50000,
		chainID:   big.NewInt(56),
		nativeBal: big.NewInt(0),
		calls:     make(map[string]int),
	}
}

func (m *mockEth) count(name string) {
	m.mu.Lock()
	m.calls[name]++
	m.mu.Unlock()
}

func (m *mockEth) Calls(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[name]
}

func (m *mockEth) Sent() []*types.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*types.Transaction(nil), m.sent...)
}

func (m *mockEth) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	m.count("PendingNonceAt")
	return m.pendingNonce, nil
}

func (m *mockEth) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	m.count("SuggestGasPrice")
	return m.gasPrice, nil
}

func (m *mockEth) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	m.count("EstimateGas")
	return m.estimate, m.estimateErr
}

func (m *mockEth) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	m.count("SendTransaction")
	if m.sendErr != nil {
		return m.sendErr
	}
	m.mu.Lock()
	m.sent = append(m.sent, tx)
	m.mu.Unlock()
	return nil
}

func (m *mockEth) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	m.count("TransactionReceipt")
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.receipt == nil {
		return nil, ethereum.NotFound
	}
	return m.receipt, nil
}

func (m *mockEth) setReceipt(r *types.Receipt) {
	m.mu.Lock()
	m.receipt = r
	m.mu.Unlock()
}

func (m *mockEth) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	m.count("TransactionByHash")
	if !m.knownTx {
		return nil, false, ethereum.NotFound
	}
	return nil, true, nil
}

func (m *mockEth) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	m.count("NonceAt")
	return m.accountNonce, nil
}

func (m *mockEth) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	m.count("CallContract")
	return m.callResult, m.callErr
}

func (m *mockEth) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	m.count("BalanceAt")
	if m.balanceErr != nil {
		return nil, m.balanceErr
	}
	return m.nativeBal, nil
}

func (m *mockEth) ChainID(ctx context.Context) (*big.Int, error) {
	m.count("ChainID")
	return m.chainID, m.balanceErr
}

func (m *mockEth) Close() {}

var fastPolicy = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

// newTestClient wires one mock per endpoint and starts the write queue.
func newTestClient(t *testing.T, mocks ...*mockEth) (*Client, *rpcpool.Pool) {
	t.Helper()
	urls := make([]string, len(mocks))
	byURL := make(map[string]*mockEth, len(mocks))
	for i, m := range mocks {
		urls[i] = fmt.Sprintf("mock://%d", i)
		byURL[urls[i]] = m
	}
	pool, err := rpcpool.New(urls)
	require.NoError(t, err)

	dial := func(_ context.Context, url string) (EthClient, error) {
		m, ok := byURL[url]
		if !ok {
			return nil, errors.New("unknown endpoint")
		}
		return m, nil
	}
	c, err := New(Config{PrivateKey: testKey, ChainID: 56, TokenContract: testToken, Retry: fastPolicy},
		pool, WithDialer(dial), WithPollInterval(5*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go c.Start(ctx)
	t.Cleanup(func() {
		cancel()
		_ = c.Close()
	})
	return c, pool
}

func uint256(v int64) []byte {
	return common.LeftPadBytes(big.NewInt(v).Bytes(), 32)
}

func TestNew_Validation(t *testing.T) {
	pool, err := rpcpool.New([]string{"mock://0"})
	require.NoError(t, err)

	_, err = New(Config{PrivateKey: "abc", ChainID: 56, TokenContract: testToken}, pool)
	assert.ErrorIs(t, err, ErrInvalidPrivateKey)

	_, err = New(Config{PrivateKey: testKey, ChainID: 56, TokenContract: "nope"}, pool)
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = New(Config{PrivateKey: testKey, TokenContract: testToken}, pool)
	assert.Error(t, err)

	c, err := New(Config{PrivateKey: "0x" + testKey, ChainID: 56, TokenContract: testToken}, pool)
	require.NoError(t, err)
	assert.Equal(t, int64(56), c.ChainID())
	assert.Equal(t, common.HexToAddress(testToken), c.TokenContract())
}

func TestFailover_MovesToHealthyEndpoint(t *testing.T) {
	bad := newMockEth()
	bad.balanceErr = errors.New("dial tcp: connection refused")
	good := newMockEth()
	good.nativeBal = big.NewInt(42)

	c, pool := newTestClient(t, bad, good)

	bal := c.NativeBalance(context.Background(), userAddr)
	assert.Equal(t, int64(42), bal.Int64())

	snap := pool.Snapshot()
	assert.Equal(t, 1, snap[0].Failures)
	assert.NotNil(t, snap[1].LastSuccess)
}

func TestFailover_ExhaustedSurfacesLastError(t *testing.T) {
	bad := newMockEth()
	bad.balanceErr = errors.New("503 service unavailable")

	c, pool := newTestClient(t, bad)

	err := c.VerifyChainID(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEndpointsExhausted)

	var fe *FailoverError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, 3, fe.Attempts)
	assert.Contains(t, fe.Error(), "503 service unavailable")
	assert.Equal(t, 3, bad.Calls("ChainID"))
	assert.Equal(t, "open", pool.Snapshot()[0].State)
}

func TestFailover_RevertIsNotEndpointFailure(t *testing.T) {
	m := newMockEth()
	m.callErr = errors.New("execution reverted: BEP20: paused")

	c, pool := newTestClient(t, m)

	bal := c.TokenBalance(context.Background(), userAddr)
	assert.Zero(t, bal.Sign())
	assert.Equal(t, 1, m.Calls("CallContract"), "reverts are not retried")
	assert.Equal(t, 0, pool.Snapshot()[0].Failures)
}

func TestReads_DegradeToZero(t *testing.T) {
	m := newMockEth()
	m.balanceErr = errors.New("timeout")
	m.callErr = errors.New("timeout")

	c, _ := newTestClient(t, m)
	ctx := context.Background()

	assert.Zero(t, c.NativeBalance(ctx, userAddr).Sign())
	assert.Zero(t, c.TokenBalance(ctx, userAddr).Sign())
	assert.Zero(t, c.Allowance(ctx, userAddr, adminAddr).Sign())
}

func TestReads_EmptyResultIsZero(t *testing.T) {
	m := newMockEth()
	c, _ := newTestClient(t, m)

	assert.Zero(t, c.Allowance(context.Background(), userAddr, c.Address()).Sign())
}

func TestAllowance_Unpacks(t *testing.T) {
	m := newMockEth()
	m.callResult = uint256(1_000_000)

	c, _ := newTestClient(t, m)

	assert.Equal(t, int64(1_000_000), c.Allowance(context.Background(), userAddr, c.Address()).Int64())
}

func TestVerifyChainID_Mismatch(t *testing.T) {
	m := newMockEth()
	m.chainID = big.NewInt(97)

	c, _ := newTestClient(t, m)
	err := c.VerifyChainID(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "97")
}

func TestTransferFrom_SignsAndSends(t *testing.T) {
	m := newMockEth()
	m.pendingNonce = 7

	c, _ := newTestClient(t, m)

	res, err := c.TransferFrom(context.Background(), userAddr, adminAddr, big.NewInt(100))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), res.Nonce)

	sent := m.Sent()
	require.Len(t, sent, 1)
	tx := sent[0]
	assert.Equal(t, res.TxHash, tx.Hash().Hex())
	assert.Equal(t, common.HexToAddress(testToken), *tx.To())
	assert.Equal(t, uint64(60000), tx.Gas(), "estimate plus 20%")
	assert.Equal(t, c.tokenABI.Methods["transferFrom"].ID, tx.Data()[:4])

	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(56)), tx)
	require.NoError(t, err)
	assert.Equal(t, c.Address(), from)
}

func TestSendNative_UsesValueTransfer(t *testing.T) {
	m := newMockEth()
	m.estimateErr = errors.New("method not supported")

	c, _ := newTestClient(t, m)

	_, err := c.SendNative(context.Background(), userAddr, big.NewInt(500))
	require.NoError(t, err)

	tx := m.Sent()[0]
	assert.Equal(t, userAddr, *tx.To())
	assert.Equal(t, int64(500), tx.Value().Int64())
	assert.Equal(t, NativeTransferGas, tx.Gas(), "falls back to default on non-revert estimate failure")
	assert.Empty(t, tx.Data())
}

func TestWrite_RevertDuringEstimateAborts(t *testing.T) {
	m := newMockEth()
	m.estimateErr = errors.New("execution reverted: BEP20: transfer amount exceeds allowance")

	c, _ := newTestClient(t, m)

	_, err := c.TransferFrom(context.Background(), userAddr, adminAddr, big.NewInt(100))
	require.Error(t, err)

	var te *TransferError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "transfer_from", te.Op)
	assert.Contains(t, err.Error(), "exceeds allowance")
	assert.True(t, IsRevert(err))
	assert.Equal(t, 0, m.Calls("SendTransaction"))
}

func TestWrite_RejectsNonPositiveAmount(t *testing.T) {
	c, _ := newTestClient(t, newMockEth())

	_, err := c.Transfer(context.Background(), userAddr, big.NewInt(0))
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = c.SendNative(context.Background(), userAddr, nil)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestWrite_AlreadyKnownIsSuccess(t *testing.T) {
	m := newMockEth()
	m.sendErr = errors.New("already known")

	c, _ := newTestClient(t, m)

	res, err := c.Transfer(context.Background(), userAddr, big.NewInt(1))
	require.NoError(t, err)
	assert.NotEmpty(t, res.TxHash)
	assert.Equal(t, 1, m.Calls("SendTransaction"))
}

func TestWrite_NonceTracksAheadOfLaggingNode(t *testing.T) {
	m := newMockEth()
	m.pendingNonce = 3 // node never sees our pending txs

	c, _ := newTestClient(t, m)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.Transfer(ctx, userAddr, big.NewInt(1))
		require.NoError(t, err)
	}

	sent := m.Sent()
	require.Len(t, sent, 3)
	for i, tx := range sent {
		assert.Equal(t, uint64(3+i), tx.Nonce())
	}
}

func TestWrite_ConcurrentCallersGetDistinctNonces(t *testing.T) {
	m := newMockEth()
	c, _ := newTestClient(t, m)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Transfer(context.Background(), userAddr, big.NewInt(1))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for _, tx := range m.Sent() {
		assert.False(t, seen[tx.Nonce()], "duplicate nonce %d", tx.Nonce())
		seen[tx.Nonce()] = true
	}
	assert.Len(t, seen, 10)
}

func TestWrite_WaitsForReceipt(t *testing.T) {
	m := newMockEth()
	m.receipt = &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(99), GasUsed: 41000}

	c, _ := newTestClient(t, m)
	c.confirmTimeout = time.Second

	res, err := c.Transfer(context.Background(), userAddr, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(99), res.BlockNumber)
	assert.Equal(t, uint64(41000), res.GasUsed)
}

func TestWrite_RevertedReceipt(t *testing.T) {
	m := newMockEth()
	m.receipt = &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(99)}

	c, _ := newTestClient(t, m)
	c.confirmTimeout = time.Second

	res, err := c.Transfer(context.Background(), userAddr, big.NewInt(1))
	assert.ErrorIs(t, err, ErrTxReverted)
	require.NotNil(t, res, "hash is still reported")
	assert.NotEmpty(t, res.TxHash)
}

func TestWrite_UnconfirmedReportsPendingHash(t *testing.T) {
	m := newMockEth()
	c, _ := newTestClient(t, m)
	c.confirmTimeout = 30 * time.Millisecond

	res, err := c.Transfer(context.Background(), userAddr, big.NewInt(1))
	require.ErrorIs(t, err, ErrTxPending)
	assert.NotErrorIs(t, err, ErrTxReverted)
	require.NotNil(t, res)

	hash, ok := PendingTxHash(err)
	require.True(t, ok)
	require.Len(t, m.Sent(), 1)
	assert.Equal(t, m.Sent()[0].Hash().Hex(), hash)
	assert.Equal(t, res.TxHash, hash)
}

func TestWrite_SendOutcomeUnknownIsPending(t *testing.T) {
	m := newMockEth()
	m.sendErr = errors.New("i/o timeout")
	c, _ := newTestClient(t, m)

	_, err := c.Transfer(context.Background(), userAddr, big.NewInt(1))
	require.ErrorIs(t, err, ErrTxPending)
	hash, ok := PendingTxHash(err)
	require.True(t, ok)
	assert.NotEmpty(t, hash)
}

func TestWrite_DeterministicSendFailureIsNotPending(t *testing.T) {
	m := newMockEth()
	m.sendErr = errors.New("insufficient funds for gas * price + value")
	c, _ := newTestClient(t, m)

	_, err := c.Transfer(context.Background(), userAddr, big.NewInt(1))
	require.Error(t, err)
	_, ok := PendingTxHash(err)
	assert.False(t, ok)
}

func TestPendingTxHash_PlainErrors(t *testing.T) {
	_, ok := PendingTxHash(errors.New("boom"))
	assert.False(t, ok)
	_, ok = PendingTxHash(&TransferError{Op: "transfer", TxHash: "0xabc", Err: ErrTxReverted})
	assert.False(t, ok)
}

// pendingTransfer leaves one broadcast, unmined transfer on c and returns its hash.
func pendingTransfer(t *testing.T, c *Client) string {
	t.Helper()
	c.confirmTimeout = 20 * time.Millisecond
	_, err := c.Transfer(context.Background(), userAddr, big.NewInt(1))
	hash, ok := PendingTxHash(err)
	require.True(t, ok, "transfer should be pending, got %v", err)
	return hash
}

func TestTxStatus(t *testing.T) {
	t.Run("confirmed", func(t *testing.T) {
		m := newMockEth()
		c, _ := newTestClient(t, m)
		hash := pendingTransfer(t, c)
		m.setReceipt(&types.Receipt{Status: types.ReceiptStatusSuccessful})

		state, err := c.TxStatus(context.Background(), hash)
		require.NoError(t, err)
		assert.Equal(t, TxConfirmed, state)
		assert.Nil(t, c.unsettledTx(hash))
	})

	t.Run("reverted", func(t *testing.T) {
		m := newMockEth()
		c, _ := newTestClient(t, m)
		m.setReceipt(&types.Receipt{Status: types.ReceiptStatusFailed})

		state, err := c.TxStatus(context.Background(), "0xabc")
		require.NoError(t, err)
		assert.Equal(t, TxReverted, state)
	})

	t.Run("in mempool", func(t *testing.T) {
		m := newMockEth()
		c, _ := newTestClient(t, m)
		hash := pendingTransfer(t, c)
		m.knownTx = true

		state, err := c.TxStatus(context.Background(), hash)
		require.NoError(t, err)
		assert.Equal(t, TxPending, state)
		assert.Equal(t, 1, m.Calls("SendTransaction"))
	})

	t.Run("nonce spent by another tx", func(t *testing.T) {
		m := newMockEth()
		c, _ := newTestClient(t, m)
		hash := pendingTransfer(t, c)
		m.accountNonce = 1

		state, err := c.TxStatus(context.Background(), hash)
		require.NoError(t, err)
		assert.Equal(t, TxDropped, state)
		assert.Nil(t, c.unsettledTx(hash))
	})

	t.Run("evicted is rebroadcast", func(t *testing.T) {
		m := newMockEth()
		c, _ := newTestClient(t, m)
		hash := pendingTransfer(t, c)

		state, err := c.TxStatus(context.Background(), hash)
		require.NoError(t, err)
		assert.Equal(t, TxPending, state)
		require.Equal(t, 2, m.Calls("SendTransaction"))
		assert.Equal(t, hash, m.Sent()[1].Hash().Hex(), "same signed tx")
	})

	t.Run("untracked stays pending", func(t *testing.T) {
		m := newMockEth()
		m.accountNonce = 50
		c, _ := newTestClient(t, m)

		state, err := c.TxStatus(context.Background(), "0xabc")
		require.NoError(t, err)
		assert.Equal(t, TxPending, state)
		assert.Zero(t, m.Calls("NonceAt"))
	})
}

func TestWaitForConfirmation_Timeout(t *testing.T) {
	c, _ := newTestClient(t, newMockEth())

	_, err := c.WaitForConfirmation(context.Background(), "0xabc", 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestIsDeterministic(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{errors.New("execution reverted"), true},
		{errors.New("insufficient funds for gas * price + value"), true},
		{errors.New("nonce too low"), true},
		{errors.New("i/o timeout"), false},
		{errors.New("429 Too Many Requests"), false},
		{nil, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsDeterministic(tt.err), "%v", tt.err)
	}
}
