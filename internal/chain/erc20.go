package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ERC20 subset used by the relay
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transferFrom","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"}
]`

// -----------------------------------------------------------------------------
// Reads - never fail; errors degrade to zero and are logged
// -----------------------------------------------------------------------------

// NativeBalance returns addr's gas-coin balance in wei, or zero on error.
func (c *Client) NativeBalance(ctx context.Context, addr common.Address) *big.Int {
	bal, err := withFailover(ctx, c, "native_balance", func(ctx context.Context, ec EthClient) (*big.Int, error) {
		return ec.BalanceAt(ctx, addr, nil)
	})
	if err != nil || bal == nil {
		c.logger.Warn("native balance read failed, assuming zero", "address", addr.Hex(), "error", err)
		return new(big.Int)
	}
	return bal
}

// TokenBalance returns addr's token balance in base units, or zero on error.
func (c *Client) TokenBalance(ctx context.Context, addr common.Address) *big.Int {
	bal, err := c.callUint256(ctx, "token_balance", "balanceOf", addr)
	if err != nil {
		c.logger.Warn("token balance read failed, assuming zero", "address", addr.Hex(), "error", err)
		return new(big.Int)
	}
	return bal
}

// Allowance returns how much spender may move from owner, or zero on error.
func (c *Client) Allowance(ctx context.Context, owner, spender common.Address) *big.Int {
	v, err := c.callUint256(ctx, "allowance", "allowance", owner, spender)
	if err != nil {
		c.logger.Warn("allowance read failed, assuming zero",
			"owner", owner.Hex(), "spender", spender.Hex(), "error", err)
		return new(big.Int)
	}
	return v
}

// VerifyChainID checks the endpoints serve the configured chain.
func (c *Client) VerifyChainID(ctx context.Context) error {
	id, err := withFailover(ctx, c, "chain_id", func(ctx context.Context, ec EthClient) (*big.Int, error) {
		return ec.ChainID(ctx)
	})
	if err != nil {
		return err
	}
	if id.Cmp(c.chainID) != 0 {
		return fmt.Errorf("%w: got %s, want %s", ErrWrongChain, id, c.chainID)
	}
	return nil
}

func (c *Client) callUint256(ctx context.Context, op, method string, args ...interface{}) (*big.Int, error) {
	data, err := c.tokenABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s call: %w", method, err)
	}
	out, err := withFailover(ctx, c, op, func(ctx context.Context, ec EthClient) ([]byte, error) {
		return ec.CallContract(ctx, ethereum.CallMsg{To: &c.token, Data: data}, nil)
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return new(big.Int), nil
	}
	vals, err := c.tokenABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s result: %w", method, err)
	}
	v, ok := vals[0].(*big.Int)
	if !ok || v == nil {
		return new(big.Int), nil
	}
	return v, nil
}

// -----------------------------------------------------------------------------
// Writes - signed by the relay key, serialized through the queue
// -----------------------------------------------------------------------------

// txRequest is one relay-signed transaction waiting in the queue.
type txRequest struct {
	op          string
	to          common.Address
	value       *big.Int
	data        []byte
	fallbackGas uint64
}

// Transfer sends amount tokens from the relay account to to.
func (c *Client) Transfer(ctx context.Context, to common.Address, amount *big.Int) (*TxResult, error) {
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	data, err := c.tokenABI.Pack("transfer", to, amount)
	if err != nil {
		return nil, &TransferError{Op: "pack", Err: err}
	}
	return c.write(ctx, txRequest{op: "transfer", to: c.token, value: new(big.Int), data: data, fallbackGas: DefaultTokenGasLimit})
}

// TransferFrom moves amount tokens from from to to using the relay's allowance.
func (c *Client) TransferFrom(ctx context.Context, from, to common.Address, amount *big.Int) (*TxResult, error) {
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	data, err := c.tokenABI.Pack("transferFrom", from, to, amount)
	if err != nil {
		return nil, &TransferError{Op: "pack", Err: err}
	}
	return c.write(ctx, txRequest{op: "transfer_from", to: c.token, value: new(big.Int), data: data, fallbackGas: DefaultTokenGasLimit})
}

// SendNative sends amount wei of the gas coin to to.
func (c *Client) SendNative(ctx context.Context, to common.Address, amount *big.Int) (*TxResult, error) {
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	return c.write(ctx, txRequest{op: "send_native", to: to, value: new(big.Int).Set(amount), fallbackGas: NativeTransferGas})
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: must be positive", ErrInvalidAmount)
	}
	return nil
}

func (c *Client) write(ctx context.Context, req txRequest) (*TxResult, error) {
	res, err := c.queue.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	if c.confirmTimeout <= 0 {
		return res, nil
	}
	confirmed, err := c.WaitForConfirmation(ctx, res.TxHash, c.confirmTimeout)
	switch {
	case err == nil:
		c.settle(res.TxHash)
	case errors.Is(err, ErrTxReverted):
		c.settle(res.TxHash)
		return res, err
	default:
		// Broadcast but not yet mined: the transfer may still land.
		c.logger.Warn("relay transaction unconfirmed", "op", req.op, "tx", res.TxHash, "error", err)
		return res, pendingError(req.op, res.TxHash, err)
	}
	res.BlockNumber = confirmed.BlockNumber
	res.GasUsed = confirmed.GasUsed
	return res, nil
}

// submit signs and broadcasts one transaction. Only the queue worker calls it.
func (c *Client) submit(ctx context.Context, req txRequest) (*TxResult, error) {
	pending, err := withFailover(ctx, c, "nonce", func(ctx context.Context, ec EthClient) (uint64, error) {
		return ec.PendingNonceAt(ctx, c.address)
	})
	if err != nil {
		return nil, &TransferError{Op: "nonce", Err: err}
	}
	nonce := pending
	if c.haveNonce && c.nextNonce > nonce {
		nonce = c.nextNonce
	}

	gasPrice, err := withFailover(ctx, c, "gas_price", func(ctx context.Context, ec EthClient) (*big.Int, error) {
		return ec.SuggestGasPrice(ctx)
	})
	if err != nil {
		return nil, &TransferError{Op: "gas_price", Err: err}
	}

	gasLimit := req.fallbackGas
	est, err := withFailover(ctx, c, "estimate_gas", func(ctx context.Context, ec EthClient) (uint64, error) {
		return ec.EstimateGas(ctx, ethereum.CallMsg{
			From:  c.address,
			To:    &req.to,
			Value: req.value,
			Data:  req.data,
		})
	})
	switch {
	case err == nil:
		gasLimit = est + est*gasHeadroomPercent/100
	case IsDeterministic(err):
		return nil, &TransferError{Op: req.op, Err: err}
	default:
		c.logger.Warn("gas estimation failed, using default limit", "op", req.op, "gas", gasLimit, "error", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &req.to,
		Value:    req.value,
		Data:     req.data,
	})
	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.privateKey)
	if err != nil {
		return nil, &TransferError{Op: "sign", Err: err}
	}
	hash := signedTx.Hash().Hex()

	_, err = withFailover(ctx, c, "send", func(ctx context.Context, ec EthClient) (struct{}, error) {
		if err := ec.SendTransaction(ctx, signedTx); err != nil && !isAlreadyKnown(err) {
			return struct{}{}, err
		}
		return struct{}{}, nil
	})
	if err != nil {
		if IsDeterministic(err) {
			if strings.Contains(strings.ToLower(err.Error()), "nonce too low") {
				c.haveNonce = false
			}
			return nil, &TransferError{Op: req.op, TxHash: hash, Err: err}
		}
		// A node may have accepted the tx before the failure surfaced.
		c.markUnsettled(signedTx)
		c.logger.Warn("relay transaction send outcome unknown", "op", req.op, "tx", hash, "nonce", nonce, "error", err)
		return nil, pendingError(req.op, hash, err)
	}

	c.nextNonce = nonce + 1
	c.haveNonce = true
	if c.confirmTimeout > 0 {
		c.markUnsettled(signedTx)
	}
	c.logger.Info("relay transaction sent", "op", req.op, "tx", hash, "nonce", nonce, "gas", gasLimit)

	return &TxResult{
		TxHash: hash,
		From:   c.address.Hex(),
		To:     req.to.Hex(),
		Nonce:  nonce,
	}, nil
}

func isAlreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

// WaitForConfirmation waits for a transaction to be mined
func (c *Client) WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) (*TxResult, error) {
	hash := common.HexToHash(txHash)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: waiting for tx %s", ErrTimeout, txHash)
			}
			return nil, ctx.Err()

		case <-ticker.C:
			receipt, err := withFailover(ctx, c, "receipt", func(ctx context.Context, ec EthClient) (*types.Receipt, error) {
				r, err := ec.TransactionReceipt(ctx, hash)
				if errors.Is(err, ethereum.NotFound) {
					return nil, nil
				}
				return r, err
			})
			if err != nil || receipt == nil {
				// Not yet mined, or transient; keep polling until the deadline.
				continue
			}

			if receipt.Status == types.ReceiptStatusFailed {
				return nil, &TransferError{
					Op:     "confirm",
					TxHash: txHash,
					Err:    ErrTxReverted,
				}
			}

			res := &TxResult{TxHash: txHash, GasUsed: receipt.GasUsed}
			if receipt.BlockNumber != nil {
				res.BlockNumber = receipt.BlockNumber.Uint64()
			}
			return res, nil
		}
	}
}

func (c *Client) markUnsettled(tx *types.Transaction) {
	c.unsettledMu.Lock()
	c.unsettled[tx.Hash().Hex()] = tx
	c.unsettledMu.Unlock()
}

func (c *Client) settle(txHash string) {
	c.unsettledMu.Lock()
	delete(c.unsettled, common.HexToHash(txHash).Hex())
	c.unsettledMu.Unlock()
}

func (c *Client) unsettledTx(txHash string) *types.Transaction {
	c.unsettledMu.Lock()
	defer c.unsettledMu.Unlock()
	return c.unsettled[common.HexToHash(txHash).Hex()]
}

// TxState is the chain's view of a relay transaction.
type TxState int

const (
	// TxPending: not mined yet; it may still land.
	TxPending TxState = iota + 1
	// TxConfirmed: mined and succeeded.
	TxConfirmed
	// TxReverted: mined and failed; nothing moved.
	TxReverted
	// TxDropped: its nonce was used by another transaction, so it can never be mined.
	TxDropped
)

func (s TxState) String() string {
	switch s {
	case TxPending:
		return "pending"
	case TxConfirmed:
		return "confirmed"
	case TxReverted:
		return "reverted"
	case TxDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// TxStatus resolves a relay transaction whose outcome was unknown. A
// transaction this process signed but no node knows about is rebroadcast
// as is; the same signed bytes cannot be mined twice.
func (c *Client) TxStatus(ctx context.Context, txHash string) (TxState, error) {
	hash := common.HexToHash(txHash)

	if state, mined, err := c.receiptState(ctx, hash); err != nil || mined {
		return state, err
	}

	known, err := withFailover(ctx, c, "tx_by_hash", func(ctx context.Context, ec EthClient) (bool, error) {
		_, _, err := ec.TransactionByHash(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			return false, nil
		}
		return err == nil, err
	})
	if err != nil {
		return 0, err
	}
	if known {
		return TxPending, nil
	}

	tx := c.unsettledTx(txHash)
	if tx == nil {
		// Signed before a restart: only a receipt can settle it.
		return TxPending, nil
	}
	used, err := withFailover(ctx, c, "nonce_at", func(ctx context.Context, ec EthClient) (uint64, error) {
		return ec.NonceAt(ctx, c.address, nil)
	})
	if err != nil {
		return 0, err
	}
	if used > tx.Nonce() {
		// The nonce is spent. Look again in case it was spent by this tx
		// after the first receipt lookup.
		if state, mined, err := c.receiptState(ctx, hash); err != nil || mined {
			return state, err
		}
		c.settle(txHash)
		c.logger.Warn("relay transaction dropped", "tx", txHash, "nonce", tx.Nonce(), "account_nonce", used)
		return TxDropped, nil
	}

	_, err = withFailover(ctx, c, "rebroadcast", func(ctx context.Context, ec EthClient) (struct{}, error) {
		if err := ec.SendTransaction(ctx, tx); err != nil && !isAlreadyKnown(err) {
			return struct{}{}, err
		}
		return struct{}{}, nil
	})
	if err != nil {
		c.logger.Warn("relay transaction rebroadcast failed", "tx", txHash, "error", err)
	}
	return TxPending, nil
}

// receiptState looks up hash's receipt. mined is false while there is none.
func (c *Client) receiptState(ctx context.Context, hash common.Hash) (state TxState, mined bool, err error) {
	receipt, err := withFailover(ctx, c, "receipt", func(ctx context.Context, ec EthClient) (*types.Receipt, error) {
		r, err := ec.TransactionReceipt(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			return nil, nil
		}
		return r, err
	})
	if err != nil || receipt == nil {
		return TxPending, false, err
	}
	c.settle(hash.Hex())
	if receipt.Status == types.ReceiptStatusFailed {
		return TxReverted, true, nil
	}
	return TxConfirmed, true, nil
}
