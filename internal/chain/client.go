// Package chain handles all blockchain interactions for the relay account:
// token reads, relay-signed token and native transfers, and endpoint failover.
//
// Every RPC goes through withFailover, which asks the rpcpool for an
// endpoint, bounds the attempt with a timeout and records the outcome.
// Relay-signed writes are serialized through a single-writer TxQueue so the
// relay account never races itself on nonces.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/mbd888/p2pramp/internal/retry"
	"github.com/mbd888/p2pramp/internal/rpcpool"
)

// -----------------------------------------------------------------------------
// Errors - typed errors for programmatic handling
// -----------------------------------------------------------------------------

var (
	ErrInvalidPrivateKey  = errors.New("chain: invalid private key")
	ErrInvalidAddress     = errors.New("chain: invalid address")
	ErrInvalidAmount      = errors.New("chain: invalid amount")
	ErrEndpointsExhausted = errors.New("chain: all rpc attempts failed")
	ErrTxReverted         = errors.New("chain: transaction reverted")
	ErrTimeout            = errors.New("chain: operation timed out")
	ErrQueueStopped       = errors.New("chain: tx queue stopped")
	ErrWrongChain         = errors.New("chain: endpoint serves a different chain")

	// ErrTxPending marks a transaction that may have been broadcast but
	// whose outcome is unknown. It must be reconciled with TxStatus, never
	// re-sent blindly.
	ErrTxPending = errors.New("chain: transaction outcome unknown")
)

// TransferError wraps write failures with context
type TransferError struct {
	Op     string // Operation that failed
	TxHash string // Transaction hash if available
	Err    error  // Underlying error
}

func (e *TransferError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// PendingTxHash returns the hash of a transaction that may already be on
// its way to the chain when err reports an unknown outcome.
func PendingTxHash(err error) (string, bool) {
	var te *TransferError
	if errors.Is(err, ErrTxPending) && errors.As(err, &te) && te.TxHash != "" {
		return te.TxHash, true
	}
	return "", false
}

func pendingError(op, txHash string, cause error) *TransferError {
	return &TransferError{Op: op, TxHash: txHash, Err: fmt.Errorf("%w: %w", ErrTxPending, cause)}
}

// FailoverError is returned when every attempt failed on a transient error.
// It matches both ErrEndpointsExhausted and the last underlying error.
type FailoverError struct {
	Op       string
	Attempts int
	Endpoint string // last endpoint tried
	Err      error
}

func (e *FailoverError) Error() string {
	return fmt.Sprintf("chain: %s failed after %d attempts (last endpoint %s): %v", e.Op, e.Attempts, e.Endpoint, e.Err)
}

func (e *FailoverError) Unwrap() []error { return []error{ErrEndpointsExhausted, e.Err} }

// -----------------------------------------------------------------------------
// Interfaces - for testability and flexibility
// -----------------------------------------------------------------------------

// EthClient abstracts go-ethereum client for testing
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
	Close()
}

// Dialer opens a client for one endpoint URL.
type Dialer func(ctx context.Context, url string) (EthClient, error)

// DialEthclient is the production Dialer.
func DialEthclient(ctx context.Context, url string) (EthClient, error) {
	ec, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return ec, nil
}

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

const (
	// DefaultTokenGasLimit is used when estimation fails for a non-revert reason
	DefaultTokenGasLimit = uint64(100000)

	// NativeTransferGas is the fixed cost of a plain value transfer
	NativeTransferGas = uint64(21000)

	// DefaultAttemptTimeout bounds a single RPC attempt
	DefaultAttemptTimeout = 15 * time.Second

	// ConfirmationPollInterval between receipt checks
	ConfirmationPollInterval = 2 * time.Second

	// gasHeadroomPercent is added on top of EstimateGas
	gasHeadroomPercent = 20
)

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Config for creating a chain client
type Config struct {
	PrivateKey     string // Hex string, 0x prefix optional
	ChainID        int64
	TokenContract  string
	AttemptTimeout time.Duration
	ConfirmTimeout time.Duration // 0 disables receipt waits
	Retry          retry.Policy
}

// Option configures the client
type Option func(*Client)

// WithDialer sets a custom dialer (useful for testing)
func WithDialer(d Dialer) Option {
	return func(c *Client) {
		c.dial = d
	}
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithPollInterval sets the receipt polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		c.poll = d
	}
}

// TxResult describes a submitted relay transaction.
type TxResult struct {
	TxHash      string
	From        string
	To          string
	Nonce       uint64
	BlockNumber uint64 // set only when the receipt was awaited
	GasUsed     uint64
}

// Client is the chain access layer for one relay account.
type Client struct {
	pool    *rpcpool.Pool
	dial    Dialer
	logger  *slog.Logger
	mu      sync.Mutex
	clients map[string]EthClient

	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	token      common.Address
	tokenABI   abi.ABI

	policy         retry.Policy
	attemptTimeout time.Duration
	confirmTimeout time.Duration
	poll           time.Duration

	queue *TxQueue

	// Owned by the queue worker.
	nextNonce uint64
	haveNonce bool

	// Signed transactions whose outcome is not yet known, by hash.
	unsettledMu sync.Mutex
	unsettled   map[string]*types.Transaction
}

// New creates a chain client bound to pool. The relay key signs every write.
func New(cfg Config, pool *rpcpool.Pool, opts ...Option) (*Client, error) {
	if pool == nil {
		return nil, errors.New("chain: rpc pool required")
	}
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return nil, fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	privateKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	if cfg.ChainID == 0 {
		return nil, errors.New("chain: chain ID required")
	}
	if !common.IsHexAddress(cfg.TokenContract) {
		return nil, fmt.Errorf("%w: token contract %q", ErrInvalidAddress, cfg.TokenContract)
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	c := &Client{
		pool:           pool,
		dial:           DialEthclient,
		logger:         slog.Default(),
		clients:        make(map[string]EthClient),
		unsettled:      make(map[string]*types.Transaction),
		privateKey:     privateKey,
		address:        crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:        big.NewInt(cfg.ChainID),
		token:          common.HexToAddress(cfg.TokenContract),
		tokenABI:       parsedABI,
		policy:         cfg.Retry,
		attemptTimeout: cfg.AttemptTimeout,
		confirmTimeout: cfg.ConfirmTimeout,
	}
	if c.policy.MaxAttempts == 0 {
		c.policy = retry.DefaultPolicy
	}
	if c.attemptTimeout <= 0 {
		c.attemptTimeout = DefaultAttemptTimeout
	}
	for _, opt := range opts {
		opt(c)
	}
	c.queue = NewTxQueue(64, c.submit)
	return c, nil
}

// Address returns the relay account address
func (c *Client) Address() common.Address {
	return c.address
}

// TokenContract returns the ERC-20 contract address
func (c *Client) TokenContract() common.Address {
	return c.token
}

// ChainID returns the configured chain id
func (c *Client) ChainID() int64 {
	return c.chainID.Int64()
}

// Start runs the write queue until ctx is cancelled or Close is called.
// Call in a goroutine.
func (c *Client) Start(ctx context.Context) {
	c.queue.Start(ctx)
}

// Close stops the write queue and closes every cached connection.
func (c *Client) Close() error {
	c.queue.Stop()
	c.mu.Lock()
	defer c.mu.Unlock()
	for url, ec := range c.clients {
		ec.Close()
		delete(c.clients, url)
	}
	return nil
}

func (c *Client) pollInterval() time.Duration {
	if c.poll > 0 {
		return c.poll
	}
	return ConfirmationPollInterval
}

// clientFor returns the cached client for url, dialing on first use.
func (c *Client) clientFor(ctx context.Context, url string) (EthClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ec, ok := c.clients[url]; ok {
		return ec, nil
	}
	ec, err := c.dial(ctx, url)
	if err != nil {
		return nil, err
	}
	c.clients[url] = ec
	return ec, nil
}

// withFailover runs op against pool-selected endpoints. Transient failures
// are recorded against the endpoint and retried with backoff on a freshly
// selected one. Deterministic rejections (reverts, insufficient funds) are
// not the endpoint's fault: they are recorded as success and returned as-is.
func withFailover[T any](ctx context.Context, c *Client, op string, fn func(context.Context, EthClient) (T, error)) (T, error) {
	var (
		result   T
		lastErr  error
		lastURL  string
		attempts int
		final    bool
	)

	err := retry.Do(ctx, c.policy, func(int) error {
		attempts++
		ep := c.pool.Select()
		lastURL = ep.URL

		ec, err := c.clientFor(ctx, ep.URL)
		if err != nil {
			c.pool.RecordFailure(ep)
			lastErr = err
			chainCalls.WithLabelValues(op, "dial_error").Inc()
			c.logger.Warn("rpc dial failed", "op", op, "endpoint", ep.URL, "error", err)
			return err
		}

		actx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
		out, err := fn(actx, ec)
		cancel()

		switch {
		case err == nil:
			c.pool.RecordSuccess(ep)
			chainCalls.WithLabelValues(op, "ok").Inc()
			result = out
			return nil
		case IsDeterministic(err):
			c.pool.RecordSuccess(ep)
			chainCalls.WithLabelValues(op, "rejected").Inc()
			lastErr, final = err, true
			return retry.Permanent(err)
		case ctx.Err() != nil:
			// Caller gave up; the endpoint is not to blame.
			lastErr, final = ctx.Err(), true
			return retry.Permanent(ctx.Err())
		default:
			c.pool.RecordFailure(ep)
			chainCalls.WithLabelValues(op, "error").Inc()
			c.logger.Warn("rpc attempt failed", "op", op, "endpoint", ep.URL, "attempt", attempts, "error", err)
			lastErr = err
			return err
		}
	})
	if err == nil {
		return result, nil
	}

	var zero T
	if final {
		return zero, lastErr
	}
	if ctx.Err() != nil {
		return zero, ctx.Err()
	}
	return zero, &FailoverError{Op: op, Attempts: attempts, Endpoint: lastURL, Err: lastErr}
}

// IsRevert reports whether err is a contract-level rejection.
func IsRevert(err error) bool {
	if err == nil {
		return false
	}
	var de rpc.DataError
	if errors.As(err, &de) && de.ErrorData() != nil {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "revert")
}

// IsDeterministic reports whether err would recur on any endpoint.
func IsDeterministic(err error) bool {
	if err == nil {
		return false
	}
	if IsRevert(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"insufficient funds",
		"nonce too low",
		"replacement transaction underpriced",
		"intrinsic gas too low",
		"exceeds block gas limit",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
