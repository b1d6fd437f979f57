package order

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Role identifies who is driving a transition.
type Role string

const (
	RoleUser   Role = "user"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system"
)

// Actor is the caller of an engine operation.
type Actor struct {
	Role Role
	Addr string // wallet address for RoleUser
}

// Admin is the actor for admin-authenticated requests.
func Admin() Actor { return Actor{Role: RoleAdmin} }

// User is the actor for a wallet-authenticated request.
func User(addr string) Actor { return Actor{Role: RoleUser, Addr: strings.ToLower(addr)} }

func (a Actor) String() string {
	if a.Role == RoleUser {
		return a.Addr
	}
	return string(a.Role)
}

// owns reports whether a is the user who created o.
func (a Actor) owns(o *Order) bool {
	return a.Role == RoleUser && a.Addr != "" && a.Addr == o.UserAddr
}

// Action names a transition request.
type Action string

const (
	ActionSetPaymentDetails Action = "set_payment_details"
	ActionSubmitProof       Action = "submit_proof"
	ActionConfirm           Action = "confirm"
	ActionCancel            Action = "cancel"
	ActionSetCustomAmount   Action = "set_custom_amount"
	ActionConfirmReceived   Action = "confirm_received"
	ActionGaslessTransfer   Action = "gasless_transfer"
	ActionRecordOnChainID   Action = "record_onchain_id"
)

// adminOnly reports whether the action requires RoleAdmin.
func (a Action) adminOnly() bool {
	switch a {
	case ActionSetPaymentDetails, ActionConfirm, ActionSetCustomAmount, ActionRecordOnChainID:
		return true
	}
	return false
}

// CreateRequest contains the parameters for creating an order.
type CreateRequest struct {
	Kind        Kind   `json:"kind"`
	FiatAmount  string `json:"fiatAmount"`
	TokenAmount string `json:"tokenAmount"`
	Rate        string `json:"rate"` // fiat per token for the kind's direction
}

// PaymentDetails is what the admin attaches when approving an order.
type PaymentDetails struct {
	Identifier  string       `json:"paymentIdentifier"`
	BankDetails *BankDetails `json:"bankDetails"`
}

// Request is a transition request for an existing order.
type Request struct {
	OrderID string `json:"-"`
	Actor   Actor  `json:"-"`
	Action  Action `json:"action"`

	PaymentIdentifier string       `json:"paymentIdentifier,omitempty"`
	BankDetails       *BankDetails `json:"bankDetails,omitempty"`
	ProofReference    string       `json:"proofReference,omitempty"`
	CustomAmount      string       `json:"customAmount,omitempty"`
	OnChainID         string       `json:"onChainId,omitempty"`
	Reason            string       `json:"reason,omitempty"`
}

// Response is the outcome of a transition.
type Response struct {
	Order         *Order `json:"order"`
	TxHash        string `json:"txHash,omitempty"`
	NeedsApproval bool   `json:"needsApproval,omitempty"`
}

// TokenMover performs the on-chain side of a transition.
type TokenMover interface {
	// SendToUser releases amount tokens to user to settle a BUY order.
	SendToUser(ctx context.Context, o *Order, amount decimal.Decimal) (txHash string, err error)
	// PullFromUser moves amount tokens from user to the admin for a SELL
	// order. needsApproval reports a missing allowance; no transfer happened.
	PullFromUser(ctx context.Context, o *Order, amount decimal.Decimal) (txHash string, needsApproval bool, err error)
	// TransferStatus reports the outcome of a transfer that returned a
	// *TransferPendingError.
	TransferStatus(ctx context.Context, txHash string) (TransferState, error)
}

// TransferState is the on-chain outcome of a recorded transfer.
type TransferState int

const (
	TransferPending TransferState = iota
	TransferConfirmed
	// TransferFailed: reverted or dropped. No tokens moved.
	TransferFailed
)

func (s TransferState) String() string {
	switch s {
	case TransferPending:
		return "pending"
	case TransferConfirmed:
		return "confirmed"
	case TransferFailed:
		return "failed"
	}
	return fmt.Sprintf("TransferState(%d)", int(s))
}

// EventType names an order event.
type EventType string

const (
	EventCreated          EventType = "order.created"
	EventApproved         EventType = "order.approved"
	EventPaymentDetails   EventType = "order.payment_details"
	EventPaymentSubmitted EventType = "order.payment_submitted"
	EventCompleted        EventType = "order.completed"
	EventCancelled        EventType = "order.cancelled"
	EventAmountOverridden EventType = "order.amount_overridden"
	EventReceiptConfirmed EventType = "order.receipt_confirmed"
	EventTokensMoved      EventType = "order.tokens_moved"
	EventOnChainRecorded  EventType = "order.onchain_recorded"
	EventTransferPending  EventType = "order.transfer_pending"
	EventTransferFailed   EventType = "order.transfer_failed"
)

// Event is published after every persisted change.
type Event struct {
	Type      EventType `json:"type"`
	Order     *Order    `json:"order"`
	TxHash    string    `json:"txHash,omitempty"`
	Actor     string    `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher receives order events. Publish errors never fail a transition.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Publishers fans an event out to several publishers.
type Publishers []Publisher

// Publish delivers ev to every publisher and returns the first error.
func (ps Publishers) Publish(ctx context.Context, ev Event) error {
	var first error
	for _, p := range ps {
		if err := p.Publish(ctx, ev); err != nil && first == nil {
			first = fmt.Errorf("publish %s: %w", ev.Type, err)
		}
	}
	return first
}
