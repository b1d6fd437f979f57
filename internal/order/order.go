// Package order runs the lifecycle of a P2P fiat/stablecoin trade.
//
// Flow:
//  1. User creates an order → PENDING
//  2. Admin sets payment details (UPI id or bank account) → ADMIN_APPROVED
//  3. User pays fiat and submits proof → PAYMENT_SUBMITTED
//  4. Admin confirms → COMPLETED; BUY orders release tokens to the user here
//  5. Either side cancels before completion → CANCELLED
//
// SELL orders move their tokens through the gas station independently of
// status (RequestGaslessTransfer); the resulting tx hash is recorded on the
// order and blocks cancellation from then on. A SELL order completes only
// after that transfer.
//
// A transfer that was broadcast but not confirmed is recorded with
// TxPending set. Later Confirm or RequestGaslessTransfer calls check its
// status on chain and never send a second transfer while it may still land.
package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/p2pramp/internal/pagination"
)

var (
	ErrOrderNotFound       = errors.New("order not found")
	ErrInvalidTransition   = errors.New("invalid order status for this operation")
	ErrTerminal            = errors.New("order is already completed or cancelled")
	ErrForbidden           = errors.New("not authorized for this order operation")
	ErrInvalidRequest      = errors.New("invalid order request")
	ErrWrongKind           = errors.New("operation not supported for this order kind")
	ErrTransferRecorded    = errors.New("order has a recorded token transfer")
	ErrAlreadyConfirmed    = errors.New("receipt already confirmed")
	ErrOnChainIDAlreadySet = errors.New("on-chain order id already recorded")
	ErrConflict            = errors.New("order was modified concurrently")
	ErrTransferPending     = errors.New("token transfer submitted, outcome pending")
)

// TransferPendingError reports a transfer that was broadcast but whose
// outcome is not known yet. The hash is recorded on the order.
type TransferPendingError struct {
	TxHash string
	Err    error
}

func (e *TransferPendingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("token transfer %s pending: %v", e.TxHash, e.Err)
	}
	return fmt.Sprintf("token transfer %s pending", e.TxHash)
}

func (e *TransferPendingError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTransferPending}
	}
	return []error{ErrTransferPending, e.Err}
}

// Kind classifies an order. The zero value is invalid.
type Kind int

const (
	KindBuyUPI Kind = iota + 1
	KindBuyCDM
	KindSell
)

// Direction is the token flow of an order relative to the user.
type Direction int

const (
	// DirectionBuy: user pays fiat, receives tokens.
	DirectionBuy Direction = iota + 1
	// DirectionSell: user sends tokens, receives fiat.
	DirectionSell
)

// Rail is the fiat settlement channel.
type Rail string

const (
	RailUPI  Rail = "UPI"
	RailCDM  Rail = "CDM"  // cash deposit machine
	RailBank Rail = "BANK" // admin pays out to the user's bank account
)

// Kinds lists every valid kind.
var Kinds = []Kind{KindBuyUPI, KindBuyCDM, KindSell}

// String returns the wire name (BUY_UPI, BUY_CDM, SELL).
func (k Kind) String() string {
	switch k {
	case KindBuyUPI:
		return "BUY_UPI"
	case KindBuyCDM:
		return "BUY_CDM"
	case KindSell:
		return "SELL"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Direction reports which way tokens move.
func (k Kind) Direction() Direction {
	switch k {
	case KindBuyUPI, KindBuyCDM:
		return DirectionBuy
	case KindSell:
		return DirectionSell
	}
	panic(fmt.Sprintf("order: unknown kind %d", int(k)))
}

// Rail reports the fiat settlement channel.
func (k Kind) Rail() Rail {
	switch k {
	case KindBuyUPI:
		return RailUPI
	case KindBuyCDM:
		return RailCDM
	case KindSell:
		return RailBank
	}
	panic(fmt.Sprintf("order: unknown kind %d", int(k)))
}

// Valid reports whether k is one of Kinds.
func (k Kind) Valid() bool {
	return k >= KindBuyUPI && k <= KindSell
}

// ParseKind parses a wire name, case-insensitively.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if strings.EqualFold(s, k.String()) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown order kind %q", ErrInvalidRequest, s)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("order: cannot marshal kind %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Status represents the state of an order.
type Status string

const (
	StatusPending          Status = "PENDING"
	StatusAdminApproved    Status = "ADMIN_APPROVED"
	StatusPaymentSubmitted Status = "PAYMENT_SUBMITTED"
	StatusCompleted        Status = "COMPLETED"
	StatusCancelled        Status = "CANCELLED"
)

// IsTerminal returns true for COMPLETED and CANCELLED.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// BankDetails are the admin's receiving account for a BUY order or the
// payout target for a SELL order.
type BankDetails struct {
	AccountNumber string `json:"accountNumber"`
	RoutingCode   string `json:"routingCode"` // IFSC or equivalent
	Branch        string `json:"branch,omitempty"`
	HolderName    string `json:"holderName"`
}

// Order is one trade intent.
type Order struct {
	ID        string `json:"id"`
	OnChainID string `json:"onChainId,omitempty"`
	Kind      Kind   `json:"kind"`
	UserAddr  string `json:"userAddress"`

	FiatAmount   decimal.Decimal     `json:"fiatAmount"`
	TokenAmount  decimal.Decimal     `json:"tokenAmount"`
	BuyRate      decimal.NullDecimal `json:"buyRate"`
	SellRate     decimal.NullDecimal `json:"sellRate"`
	CustomAmount decimal.NullDecimal `json:"customAmount"`

	PaymentIdentifier string       `json:"paymentIdentifier,omitempty"`
	BankDetails       *BankDetails `json:"bankDetails,omitempty"`
	ProofReference    string       `json:"proofReference,omitempty"`

	UserConfirmedReceived bool       `json:"userConfirmedReceived"`
	UserConfirmedAt       *time.Time `json:"userConfirmedAt,omitempty"`

	TxHash       string `json:"txHash,omitempty"`
	TxPending    bool   `json:"txPending,omitempty"`
	Status       Status `json:"status"`
	CancelledBy  string `json:"cancelledBy,omitempty"`
	CancelReason string `json:"cancelReason,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CancelledAt *time.Time `json:"cancelledAt,omitempty"`
	Version     int64      `json:"version"`
}

// IsTerminal returns true if the order is in a final state.
func (o *Order) IsTerminal() bool {
	return o.Status.IsTerminal()
}

// EffectiveAmount is the token amount used for chain calls: the admin's
// custom amount when set, otherwise the computed token amount.
func (o *Order) EffectiveAmount() decimal.Decimal {
	if o.CustomAmount.Valid {
		return o.CustomAmount.Decimal
	}
	return o.TokenAmount
}

// Rate returns whichever rate applies to the order's direction.
func (o *Order) Rate() decimal.NullDecimal {
	switch o.Kind.Direction() {
	case DirectionBuy:
		return o.BuyRate
	case DirectionSell:
		return o.SellRate
	}
	return decimal.NullDecimal{}
}

// clone returns a deep copy; stores hand out clones so callers never share
// pointers with stored records.
func (o *Order) clone() *Order {
	cp := *o
	if o.BankDetails != nil {
		bd := *o.BankDetails
		cp.BankDetails = &bd
	}
	cp.UserConfirmedAt = copyTime(o.UserConfirmedAt)
	cp.CompletedAt = copyTime(o.CompletedAt)
	cp.CancelledAt = copyTime(o.CancelledAt)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	UserAddr string
	Status   Status
	Kind     Kind
	Limit    int
	After    *pagination.Cursor // newest-first keyset position
}

// Store persists orders. Update performs an optimistic version check: it
// fails with ErrConflict unless the stored version equals o.Version, and
// on success increments o.Version.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	Update(ctx context.Context, o *Order) error
	List(ctx context.Context, f Filter) ([]*Order, error)
	ListStale(ctx context.Context, status Status, before time.Time, limit int) ([]*Order, error)
}

// Locker is implemented by stores shared between processes. The engine holds
// the lock for the whole of a transition, chain calls included.
type Locker interface {
	LockOrder(ctx context.Context, id string) (unlock func(), err error)
}
