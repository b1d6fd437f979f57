// Package relay is the gas station: a funded relay account that moves tokens
// on behalf of users who hold no native gas.
//
// Flows:
//   - AdminTransfer: relay settles a BUY order by sending tokens to the user
//   - PayForUserApproval: relay sends the user enough gas to sign approve()
//   - Sell: relay pulls tokens from the user to the admin via transferFrom,
//     either failing (ProtocolDirect) or signalling NeedsApproval
//     (ProtocolGaslessComposed) when the user's allowance is short
//
// Every request names a chain id that is checked before any RPC is made.
// Failures come back as *Error carrying a Code from the relay taxonomy.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/mbd888/p2pramp/internal/amount"
	"github.com/mbd888/p2pramp/internal/chain"
	"github.com/mbd888/p2pramp/internal/logging"
	"github.com/mbd888/p2pramp/internal/traces"
)

// Chain is the subset of the chain client the relay drives.
type Chain interface {
	Address() common.Address
	TokenContract() common.Address
	NativeBalance(ctx context.Context, addr common.Address) *big.Int
	TokenBalance(ctx context.Context, addr common.Address) *big.Int
	Allowance(ctx context.Context, owner, spender common.Address) *big.Int
	Transfer(ctx context.Context, to common.Address, amount *big.Int) (*chain.TxResult, error)
	TransferFrom(ctx context.Context, from, to common.Address, amount *big.Int) (*chain.TxResult, error)
	SendNative(ctx context.Context, to common.Address, amount *big.Int) (*chain.TxResult, error)
	TxStatus(ctx context.Context, txHash string) (chain.TxState, error)
}

// Compile-time interface check
var _ Chain = (*chain.Client)(nil)

// Protocol selects how a sell is executed when the allowance is short.
type Protocol int

const (
	// ProtocolDirect fails with APPROVAL_REQUIRED.
	ProtocolDirect Protocol = iota + 1
	// ProtocolGaslessComposed returns NeedsApproval as a normal outcome.
	ProtocolGaslessComposed
)

// String returns the wire name.
func (p Protocol) String() string {
	switch p {
	case ProtocolDirect:
		return "direct"
	case ProtocolGaslessComposed:
		return "gasless_composed"
	default:
		return "unknown"
	}
}

// ParseProtocol parses a wire name; empty selects ProtocolGaslessComposed.
func ParseProtocol(s string) (Protocol, error) {
	switch s {
	case "direct":
		return ProtocolDirect, nil
	case "", "gasless_composed":
		return ProtocolGaslessComposed, nil
	default:
		return 0, invalid("unknown protocol %q", s)
	}
}

// Config tunes the station.
type Config struct {
	ChainID        int64
	EscrowContract common.Address
	MinBalance     *big.Int      // relay is ready at or above this native balance
	ApprovalGrant  *big.Int      // native gas sent by PayForUserApproval
	ReadinessTTL   time.Duration // how long a readiness check is reused
	DailyBudget    *big.Int      // cap on ApprovalGrant spend per UTC day; zero disables
}

// TransferRequest settles tokens from the admin side to a user.
type TransferRequest struct {
	ChainID int64
	Admin   common.Address
	User    common.Address
	Amount  *big.Int
}

// SellRequest pulls tokens from a user to the admin.
type SellRequest struct {
	ChainID    int64
	User       common.Address
	Admin      common.Address
	Amount     *big.Int
	FiatAmount decimal.Decimal
	OrderKind  string
}

// SellOutcome is either a submitted transfer or a request for approval.
type SellOutcome struct {
	TxHash        string   `json:"txHash,omitempty"`
	NeedsApproval bool     `json:"needsApproval"`
	Allowance     *big.Int `json:"-"`
}

// ApprovalGrant describes a PayForUserApproval result.
type ApprovalGrant struct {
	TxHash  string `json:"txHash,omitempty"`
	Amount  string `json:"amount"`
	Skipped bool   `json:"skipped"`
}

// Status is a point-in-time view of the relay account.
type Status struct {
	Address        string `json:"address"`
	ChainID        int64  `json:"chainId"`
	TokenContract  string `json:"tokenContract"`
	EscrowContract string `json:"escrowContract,omitempty"`
	NativeBalance  string `json:"nativeBalance"`
	MinBalance     string `json:"minBalance"`
	Ready          bool   `json:"ready"`
	DailySpent     string `json:"dailySpent"`
	DailyLimit     string `json:"dailyLimit"`
}

// Station owns the relay account.
type Station struct {
	chain  Chain
	cfg    Config
	budget *dailyBudget
	logger *slog.Logger
	now    func() time.Time

	readyGroup singleflight.Group
	mu         sync.RWMutex
	ready      bool
	balance    *big.Int
	checkedAt  time.Time
}

// Option configures a Station.
type Option func(*Station)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Station) { s.logger = l }
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Station) { s.now = now }
}

// New creates a station driving c.
func New(c Chain, cfg Config, opts ...Option) *Station {
	if cfg.MinBalance == nil {
		cfg.MinBalance = new(big.Int)
	}
	if cfg.ApprovalGrant == nil {
		cfg.ApprovalGrant = new(big.Int)
	}
	if cfg.ReadinessTTL <= 0 {
		cfg.ReadinessTTL = 15 * time.Second
	}
	s := &Station{
		chain:  c,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.budget = newDailyBudget(cfg.DailyBudget, s.now)
	return s
}

// Address returns the relay account address.
func (s *Station) Address() common.Address {
	return s.chain.Address()
}

// ChainID returns the single supported chain id.
func (s *Station) ChainID() int64 {
	return s.cfg.ChainID
}

// IsReady reports whether the relay's native balance covers operations.
// Results are cached for ReadinessTTL and concurrent refreshes share one read.
func (s *Station) IsReady(ctx context.Context) bool {
	s.mu.RLock()
	if !s.checkedAt.IsZero() && s.now().Sub(s.checkedAt) < s.cfg.ReadinessTTL {
		ready := s.ready
		s.mu.RUnlock()
		return ready
	}
	s.mu.RUnlock()

	v, _, _ := s.readyGroup.Do("readiness", func() (interface{}, error) {
		bal := s.chain.NativeBalance(ctx, s.chain.Address())
		ready := bal.Cmp(s.cfg.MinBalance) >= 0 && bal.Sign() > 0

		s.mu.Lock()
		s.ready = ready
		s.balance = bal
		s.checkedAt = s.now()
		s.mu.Unlock()

		f, _ := amount.FromBaseUnits(bal, amount.NativeDecimals).Float64()
		relayBalance.Set(f)
		if ready {
			relayReady.Set(1)
		} else {
			relayReady.Set(0)
			s.logger.Warn("relay below operating balance",
				"balance", amount.FormatNative(bal), "min", amount.FormatNative(s.cfg.MinBalance))
		}
		return ready, nil
	})
	return v.(bool)
}

// invalidateReadiness forces the next IsReady to re-read the balance.
func (s *Station) invalidateReadiness() {
	s.mu.Lock()
	s.checkedAt = time.Time{}
	s.mu.Unlock()
}

func (s *Station) checkNetwork(chainID int64) error {
	if chainID != s.cfg.ChainID {
		return &Error{
			Code:    CodeWrongNetwork,
			Message: fmt.Sprintf("chain %d is not supported, switch to chain %d", chainID, s.cfg.ChainID),
		}
	}
	return nil
}

func checkAddress(name string, addr common.Address) error {
	if addr == (common.Address{}) {
		return invalid("%s address required", name)
	}
	return nil
}

func checkAmount(v *big.Int) error {
	if v == nil || v.Sign() <= 0 {
		return invalid("amount must be positive")
	}
	return nil
}

// AdminTransfer sends amount tokens to the user to settle a BUY order. When
// the admin is the relay account itself the relay's own balance is used;
// otherwise the relay spends the admin's allowance.
func (s *Station) AdminTransfer(ctx context.Context, req TransferRequest) (string, error) {
	ctx, span := traces.StartSpan(ctx, "relay.AdminTransfer",
		traces.UserAddr(req.User.Hex()), traces.Amount(amount.FormatToken(req.Amount)))
	defer span.End()

	if err := s.checkNetwork(req.ChainID); err != nil {
		return "", s.fail(ctx, span, "admin_transfer", err)
	}
	if err := checkAddress("user", req.User); err != nil {
		return "", s.fail(ctx, span, "admin_transfer", err)
	}
	if err := checkAddress("admin", req.Admin); err != nil {
		return "", s.fail(ctx, span, "admin_transfer", err)
	}
	if err := checkAmount(req.Amount); err != nil {
		return "", s.fail(ctx, span, "admin_transfer", err)
	}
	if !s.IsReady(ctx) {
		return "", s.fail(ctx, span, "admin_transfer", ErrInsufficientRelayGas)
	}

	var (
		res *chain.TxResult
		err error
	)
	if req.Admin == s.chain.Address() {
		res, err = s.chain.Transfer(ctx, req.User, req.Amount)
	} else {
		res, err = s.chain.TransferFrom(ctx, req.Admin, req.User, req.Amount)
	}
	if err != nil {
		return "", s.fail(ctx, span, "admin_transfer", err)
	}

	s.succeed(span, "admin_transfer", res.TxHash)
	return res.TxHash, nil
}

// PayForUserApproval sends the configured gas grant to user so they can sign
// their own approve(). Users who already hold the grant are skipped.
func (s *Station) PayForUserApproval(ctx context.Context, chainID int64, user common.Address) (*ApprovalGrant, error) {
	ctx, span := traces.StartSpan(ctx, "relay.PayForUserApproval", traces.UserAddr(user.Hex()))
	defer span.End()

	if err := s.checkNetwork(chainID); err != nil {
		return nil, s.fail(ctx, span, "fund_approval", err)
	}
	if err := checkAddress("user", user); err != nil {
		return nil, s.fail(ctx, span, "fund_approval", err)
	}

	grant := s.cfg.ApprovalGrant
	if grant.Sign() <= 0 {
		return nil, s.fail(ctx, span, "fund_approval", invalid("approval gas grant is not configured"))
	}
	if bal := s.chain.NativeBalance(ctx, user); bal.Cmp(grant) >= 0 {
		relayOutcomes.WithLabelValues("fund_approval", "skipped").Inc()
		return &ApprovalGrant{Amount: amount.FormatNative(grant), Skipped: true}, nil
	}
	if !s.IsReady(ctx) {
		return nil, s.fail(ctx, span, "fund_approval", ErrInsufficientRelayGas)
	}
	if err := s.budget.reserve(grant); err != nil {
		return nil, s.fail(ctx, span, "fund_approval", err)
	}

	res, err := s.chain.SendNative(ctx, user, grant)
	if err != nil {
		// A pending grant may still land, so it stays on the budget.
		if _, pending := chain.PendingTxHash(err); !pending {
			s.budget.release(grant)
		}
		return nil, s.fail(ctx, span, "fund_approval", err)
	}
	s.invalidateReadiness()

	s.succeed(span, "fund_approval", res.TxHash)
	return &ApprovalGrant{TxHash: res.TxHash, Amount: amount.FormatNative(grant)}, nil
}

// Sell pulls req.Amount from the user to the admin via transferFrom.
// Guards run in order: allowance, user balance, relay readiness.
func (s *Station) Sell(ctx context.Context, p Protocol, req SellRequest) (*SellOutcome, error) {
	op := "sell_" + p.String()
	ctx, span := traces.StartSpan(ctx, "relay.Sell",
		traces.Protocol(p.String()), traces.UserAddr(req.User.Hex()), traces.Amount(amount.FormatToken(req.Amount)))
	defer span.End()

	if err := s.checkNetwork(req.ChainID); err != nil {
		return nil, s.fail(ctx, span, op, err)
	}
	switch p {
	case ProtocolDirect, ProtocolGaslessComposed:
	default:
		return nil, s.fail(ctx, span, op, invalid("unknown protocol %d", int(p)))
	}
	if err := checkAddress("user", req.User); err != nil {
		return nil, s.fail(ctx, span, op, err)
	}
	if err := checkAddress("admin", req.Admin); err != nil {
		return nil, s.fail(ctx, span, op, err)
	}
	if err := checkAmount(req.Amount); err != nil {
		return nil, s.fail(ctx, span, op, err)
	}

	allowance := s.chain.Allowance(ctx, req.User, s.chain.Address())
	if allowance.Cmp(req.Amount) < 0 {
		switch p {
		case ProtocolDirect:
			return nil, s.fail(ctx, span, op, ErrApprovalRequired)
		case ProtocolGaslessComposed:
			relayOutcomes.WithLabelValues(op, "needs_approval").Inc()
			logging.L(ctx).Info("sell needs approval",
				"user", req.User.Hex(), "allowance", amount.FormatToken(allowance), "amount", amount.FormatToken(req.Amount))
			return &SellOutcome{NeedsApproval: true, Allowance: allowance}, nil
		}
	}

	if bal := s.chain.TokenBalance(ctx, req.User); bal.Cmp(req.Amount) < 0 {
		return nil, s.fail(ctx, span, op, ErrInsufficientBalance)
	}
	if !s.IsReady(ctx) {
		return nil, s.fail(ctx, span, op, ErrInsufficientRelayGas)
	}

	res, err := s.chain.TransferFrom(ctx, req.User, req.Admin, req.Amount)
	if err != nil {
		return nil, s.fail(ctx, span, op, err)
	}

	logging.L(ctx).Info("sell transferred",
		"user", req.User.Hex(), "admin", req.Admin.Hex(), "amount", amount.FormatToken(req.Amount),
		"fiat", req.FiatAmount.String(), "kind", req.OrderKind, "tx", res.TxHash)
	s.succeed(span, op, res.TxHash)
	return &SellOutcome{TxHash: res.TxHash, Allowance: allowance}, nil
}

// UserSellViaGasStation is Sell with ProtocolDirect.
func (s *Station) UserSellViaGasStation(ctx context.Context, req SellRequest) (string, error) {
	out, err := s.Sell(ctx, ProtocolDirect, req)
	if err != nil {
		return "", err
	}
	return out.TxHash, nil
}

// CompleteGaslessSell is Sell with ProtocolGaslessComposed.
func (s *Station) CompleteGaslessSell(ctx context.Context, req SellRequest) (*SellOutcome, error) {
	return s.Sell(ctx, ProtocolGaslessComposed, req)
}

// TxStatus reports what the chain knows about a relay transaction.
func (s *Station) TxStatus(ctx context.Context, txHash string) (chain.TxState, error) {
	state, err := s.chain.TxStatus(ctx, txHash)
	if err != nil {
		return state, Classify(err)
	}
	return state, nil
}

// Allowance returns what user has approved for the relay.
func (s *Station) Allowance(ctx context.Context, user common.Address) *big.Int {
	return s.chain.Allowance(ctx, user, s.chain.Address())
}

// Status reports the relay account and budget.
func (s *Station) Status(ctx context.Context) Status {
	ready := s.IsReady(ctx)
	s.mu.RLock()
	bal := s.balance
	s.mu.RUnlock()

	spent, limit := s.budget.usage()
	st := Status{
		Address:       s.chain.Address().Hex(),
		ChainID:       s.cfg.ChainID,
		TokenContract: s.chain.TokenContract().Hex(),
		NativeBalance: amount.FormatNative(bal),
		MinBalance:    amount.FormatNative(s.cfg.MinBalance),
		Ready:         ready,
		DailySpent:    amount.FormatNative(spent),
		DailyLimit:    amount.FormatNative(limit),
	}
	if s.cfg.EscrowContract != (common.Address{}) {
		st.EscrowContract = s.cfg.EscrowContract.Hex()
	}
	return st
}

// fail classifies err, records it and returns the classified error.
func (s *Station) fail(ctx context.Context, span trace.Span, op string, err error) error {
	re := Classify(err)
	relayOutcomes.WithLabelValues(op, string(re.Code)).Inc()
	traces.Fail(span, string(re.Code), re.Message)
	logging.L(ctx).Warn("relay operation failed",
		"op", op, "code", re.Code, "retryable", re.Retryable, "reason", re.Reason, "tx", re.TxHash)
	if re.Code == CodeInsufficientRelayGas {
		s.invalidateReadiness()
	}
	return re
}

func (s *Station) succeed(span trace.Span, op, txHash string) {
	relayOutcomes.WithLabelValues(op, "ok").Inc()
	span.SetAttributes(traces.TxHash(txHash))
}
