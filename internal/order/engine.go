package order

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mbd888/p2pramp/internal/amount"
	"github.com/mbd888/p2pramp/internal/logging"
	"github.com/mbd888/p2pramp/internal/pagination"
	"github.com/mbd888/p2pramp/internal/syncutil"
	"github.com/mbd888/p2pramp/internal/traces"
	"github.com/mbd888/p2pramp/internal/validation"
)

const (
	// FiatDecimals is the precision of fiat amounts (paise, cents).
	FiatDecimals = 2
	// MaxIdentifierLength bounds payment identifiers and bank fields.
	MaxIdentifierLength = 256
	// DefaultListLimit applies when a Filter has no limit.
	DefaultListLimit = 50
	// MaxListLimit caps any List call.
	MaxListLimit = 200
)

var onChainIDRegex = regexp.MustCompile(`^[0-9]{1,78}$`)

// Engine implements order business logic. Every transition on an order runs
// under that order's lock, including any chain call it makes, and nothing is
// persisted unless the whole transition succeeded. The one exception is a
// transfer with an unknown outcome: its hash is always persisted so the
// transfer is reconciled instead of sent again.
//
// The in-process lock only serializes one replica. A store that implements
// Locker extends it across processes.
type Engine struct {
	store Store
	mover TokenMover
	pub   Publisher
	locks *syncutil.KeyedMutex
	now   func() time.Time
	newID func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithPublisher sets where order events go.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.pub = p }
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides order id generation (tests).
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// NewEngine creates an order engine.
func NewEngine(store Store, mover TokenMover, opts ...Option) *Engine {
	e := &Engine{
		store: store,
		mover: mover,
		locks: syncutil.NewKeyedMutex(),
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Create opens a PENDING order for the calling user. Either the fiat or the
// token amount may be omitted; it is then derived from the rate.
func (e *Engine) Create(ctx context.Context, actor Actor, req CreateRequest) (*Order, error) {
	if actor.Role != RoleUser || !validation.IsValidEthAddress(actor.Addr) {
		return nil, fmt.Errorf("%w: orders are created by a wallet", ErrForbidden)
	}
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("%w: kind is required", ErrInvalidRequest)
	}
	if errs := validation.Validate(
		validation.Required("rate", req.Rate),
		validation.PositiveDecimal("rate", req.Rate, amount.TokenDecimals),
		validation.PositiveDecimal("fiatAmount", req.FiatAmount, FiatDecimals),
		validation.PositiveDecimal("tokenAmount", req.TokenAmount, amount.TokenDecimals),
	); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, errs.Error())
	}
	if req.FiatAmount == "" && req.TokenAmount == "" {
		return nil, fmt.Errorf("%w: fiatAmount or tokenAmount is required", ErrInvalidRequest)
	}

	rate := decimal.RequireFromString(req.Rate)
	var fiat, tokens decimal.Decimal
	switch {
	case req.FiatAmount != "" && req.TokenAmount != "":
		fiat = decimal.RequireFromString(req.FiatAmount)
		tokens = decimal.RequireFromString(req.TokenAmount)
	case req.TokenAmount != "":
		tokens = decimal.RequireFromString(req.TokenAmount)
		fiat = tokens.Mul(rate).Round(FiatDecimals)
	default:
		fiat = decimal.RequireFromString(req.FiatAmount)
		tokens = fiat.DivRound(rate, amount.TokenDecimals)
	}
	if !tokens.IsPositive() || !fiat.IsPositive() {
		return nil, fmt.Errorf("%w: amount rounds to zero", ErrInvalidRequest)
	}

	now := e.now()
	o := &Order{
		ID:          e.newID(),
		Kind:        req.Kind,
		UserAddr:    actor.Addr,
		FiatAmount:  fiat,
		TokenAmount: tokens,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	switch req.Kind.Direction() {
	case DirectionBuy:
		o.BuyRate = decimal.NewNullDecimal(rate)
	case DirectionSell:
		o.SellRate = decimal.NewNullDecimal(rate)
	}

	ctx = logging.WithOrderID(ctx, o.ID)
	if err := e.store.Create(ctx, o); err != nil {
		return nil, fmt.Errorf("failed to create order record: %w", err)
	}
	orderTransitions.WithLabelValues("create", "ok").Inc()
	logging.L(ctx).Info("order created",
		"kind", o.Kind.String(), "user", o.UserAddr, "fiat", o.FiatAmount.String(), "tokens", o.TokenAmount.String())
	e.publish(ctx, Event{Type: EventCreated, Order: o.clone(), Actor: actor.String(), Timestamp: now})
	return o, nil
}

// change is what a transition step did to the order.
type change struct {
	event         EventType // empty: nothing to persist
	txHash        string    // tokens moved during this transition
	needsApproval bool
	fail          error // returned to the caller after the change is persisted
}

// transition loads the order under its lock, applies step to a private copy
// and persists the copy only if step succeeds.
func (e *Engine) transition(ctx context.Context, id string, action Action, actor Actor,
	step func(o *Order, now time.Time) (change, error)) (*Response, error) {

	ctx = logging.WithOrderID(ctx, id)
	ctx, span := traces.StartSpan(ctx, "order."+string(action), traces.OrderID(id), traces.Action(string(action)))
	defer span.End()

	unlock, err := e.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if l, ok := e.store.(Locker); ok {
		unlockShared, err := l.LockOrder(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("lock order: %w", err)
		}
		defer unlockShared()
	}

	resp, err := e.apply(ctx, id, action, actor, step)
	if err != nil {
		orderTransitions.WithLabelValues(string(action), outcome(err)).Inc()
		traces.Fail(span, outcome(err), err.Error())
		logging.L(ctx).Info("order transition rejected", "action", action, "actor", actor.String(), "error", err)
		return nil, err
	}
	if resp.TxHash != "" {
		span.SetAttributes(traces.TxHash(resp.TxHash))
	}
	return resp, nil
}

func (e *Engine) apply(ctx context.Context, id string, action Action, actor Actor,
	step func(o *Order, now time.Time) (change, error)) (*Response, error) {

	o, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	from := o.Status

	now := e.now()
	if now.Before(o.UpdatedAt) {
		now = o.UpdatedAt
	}
	ch, err := step(o, now)
	if err != nil {
		return nil, err
	}
	if ch.event == "" {
		orderTransitions.WithLabelValues(string(action), "unchanged").Inc()
		return &Response{Order: o, TxHash: ch.txHash, NeedsApproval: ch.needsApproval}, nil
	}

	o.UpdatedAt = now
	if err := e.persist(ctx, o, ch.txHash); err != nil {
		return nil, err
	}

	logging.L(ctx).Info("order transition",
		"action", action, "actor", actor.String(), "from", from, "to", o.Status, "tx", ch.txHash, "tx_pending", o.TxPending)
	e.publish(ctx, Event{Type: ch.event, Order: o.clone(), TxHash: ch.txHash, Actor: actor.String(), Timestamp: now})
	if ch.fail != nil {
		return nil, ch.fail
	}
	orderTransitions.WithLabelValues(string(action), "ok").Inc()
	return &Response{Order: o, TxHash: ch.txHash, NeedsApproval: ch.needsApproval}, nil
}

// persist writes o. Once a transfer has been broadcast the write no longer
// depends on the caller's context, and a failed write is retried once.
// ErrConflict is not retried: o was built from a stale read, and the
// per-order locks mean a conflict can only come from a writer outside them.
// A lost write is logged for manual resolution since the transfer cannot
// be undone.
func (e *Engine) persist(ctx context.Context, o *Order, txHash string) error {
	if txHash == "" {
		return e.store.Update(ctx, o)
	}
	ctx = context.WithoutCancel(ctx)

	version := o.Version
	err := e.store.Update(ctx, o)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrConflict) {
		o.Version = version
		if err = e.store.Update(ctx, o); err == nil {
			return nil
		}
	}
	logging.L(ctx).Error("CRITICAL: order tokens moved but status update failed",
		"tx", txHash, "status", o.Status, "tx_pending", o.TxPending, "error", err)
	return fmt.Errorf("failed to update order after token transfer %s (requires manual resolution): %w", txHash, err)
}

// reconcile checks the outcome of the pending transfer recorded on o. A
// confirmed transfer stays recorded; a failed one is cleared from o so it
// can be sent again, and failed reports that. While the outcome is unknown
// it returns a *TransferPendingError.
func (e *Engine) reconcile(ctx context.Context, o *Order) (failed bool, err error) {
	state, err := e.mover.TransferStatus(ctx, o.TxHash)
	if err != nil {
		return false, fmt.Errorf("check transfer %s: %w", o.TxHash, err)
	}
	logging.L(ctx).Info("pending transfer checked", "tx", o.TxHash, "state", state.String())
	switch state {
	case TransferConfirmed:
		o.TxPending = false
		return false, nil
	case TransferFailed:
		o.TxHash = ""
		o.TxPending = false
		return true, nil
	default:
		return false, &TransferPendingError{TxHash: o.TxHash}
	}
}

// transferFailed turns a failed transfer attempt into a change. A pending
// transfer records its hash on o. cleared says reconcile already removed a
// failed hash from o, which must be persisted too.
func transferFailed(o *Order, op string, err error, cleared bool) (change, error) {
	err = fmt.Errorf("%s: %w", op, err)
	var pe *TransferPendingError
	if errors.As(err, &pe) {
		o.TxHash = pe.TxHash
		o.TxPending = true
		return change{event: EventTransferPending, txHash: pe.TxHash, fail: err}, nil
	}
	if cleared {
		return change{event: EventTransferFailed, fail: err}, nil
	}
	return change{}, err
}

func (e *Engine) publish(ctx context.Context, ev Event) {
	if e.pub == nil {
		return
	}
	if err := e.pub.Publish(ctx, ev); err != nil {
		logging.L(ctx).Warn("failed to publish order event", "type", ev.Type, "error", err)
	}
}

// rejectTerminal is the error for any mutation of a finished order.
func rejectTerminal(o *Order) error {
	return fmt.Errorf("%w (%s): %w", ErrInvalidTransition, o.Status, ErrTerminal)
}

func requireStatus(o *Order, want Status) error {
	if o.IsTerminal() {
		return rejectTerminal(o)
	}
	if o.Status != want {
		return fmt.Errorf("%w: order is %s, expected %s", ErrInvalidTransition, o.Status, want)
	}
	return nil
}

func requireAdmin(actor Actor) error {
	if actor.Role != RoleAdmin {
		return fmt.Errorf("%w: admin only", ErrForbidden)
	}
	return nil
}

func requireOwner(actor Actor, o *Order) error {
	if !actor.owns(o) {
		return fmt.Errorf("%w: not the order owner", ErrForbidden)
	}
	return nil
}

func validatePaymentDetails(d PaymentDetails) error {
	validators := []func() *validation.ValidationError{
		validation.MaxLength("paymentIdentifier", d.Identifier, MaxIdentifierLength),
	}
	if d.BankDetails != nil {
		b := d.BankDetails
		validators = append(validators,
			validation.Required("bankDetails.accountNumber", b.AccountNumber),
			validation.MaxLength("bankDetails.accountNumber", b.AccountNumber, MaxIdentifierLength),
			validation.Required("bankDetails.routingCode", b.RoutingCode),
			validation.MaxLength("bankDetails.routingCode", b.RoutingCode, MaxIdentifierLength),
			validation.MaxLength("bankDetails.branch", b.Branch, MaxIdentifierLength),
			validation.Required("bankDetails.holderName", b.HolderName),
			validation.MaxLength("bankDetails.holderName", b.HolderName, MaxIdentifierLength),
		)
	} else {
		validators = append(validators, validation.Required("paymentIdentifier", d.Identifier))
	}
	if errs := validation.Validate(validators...); len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, errs.Error())
	}
	return nil
}

func sanitizeBank(b *BankDetails) *BankDetails {
	if b == nil {
		return nil
	}
	return &BankDetails{
		AccountNumber: validation.SanitizeString(b.AccountNumber, MaxIdentifierLength),
		RoutingCode:   strings.ToUpper(validation.SanitizeString(b.RoutingCode, MaxIdentifierLength)),
		Branch:        validation.SanitizeString(b.Branch, MaxIdentifierLength),
		HolderName:    validation.SanitizeString(b.HolderName, MaxIdentifierLength),
	}
}

// SetPaymentDetails attaches the admin's payment identifier and/or bank
// details. A PENDING order moves to ADMIN_APPROVED; later non-terminal
// states are updated in place.
func (e *Engine) SetPaymentDetails(ctx context.Context, id string, actor Actor, d PaymentDetails) (*Order, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	if err := validatePaymentDetails(d); err != nil {
		return nil, err
	}
	resp, err := e.transition(ctx, id, ActionSetPaymentDetails, actor, func(o *Order, now time.Time) (change, error) {
		if o.IsTerminal() {
			return change{}, rejectTerminal(o)
		}
		if d.Identifier != "" {
			o.PaymentIdentifier = validation.SanitizeString(d.Identifier, MaxIdentifierLength)
		}
		if d.BankDetails != nil {
			o.BankDetails = sanitizeBank(d.BankDetails)
		}
		if o.Status == StatusPending {
			o.Status = StatusAdminApproved
			return change{event: EventApproved}, nil
		}
		return change{event: EventPaymentDetails}, nil
	})
	return orderOf(resp, err)
}

// SubmitProof records the user's proof of fiat payment.
func (e *Engine) SubmitProof(ctx context.Context, id string, actor Actor, proof string) (*Order, error) {
	proof = validation.SanitizeString(proof, validation.MaxStringLength)
	if proof == "" {
		return nil, fmt.Errorf("%w: proofReference is required", ErrInvalidRequest)
	}
	resp, err := e.transition(ctx, id, ActionSubmitProof, actor, func(o *Order, now time.Time) (change, error) {
		if err := requireOwner(actor, o); err != nil {
			return change{}, err
		}
		if err := requireStatus(o, StatusAdminApproved); err != nil {
			return change{}, err
		}
		o.ProofReference = proof
		o.Status = StatusPaymentSubmitted
		return change{event: EventPaymentSubmitted}, nil
	})
	return orderOf(resp, err)
}

// Confirm completes a PAYMENT_SUBMITTED order. BUY orders release the
// effective token amount to the user first; the order is left untouched if
// that transfer fails. A BUY transfer with an unknown outcome is recorded
// as pending and reconciled by the next Confirm. SELL orders acknowledge
// fiat settlement and require their token transfer to be recorded.
func (e *Engine) Confirm(ctx context.Context, id string, actor Actor) (*Response, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	return e.transition(ctx, id, ActionConfirm, actor, func(o *Order, now time.Time) (change, error) {
		if err := requireStatus(o, StatusPaymentSubmitted); err != nil {
			return change{}, err
		}

		var txHash string
		switch o.Kind.Direction() {
		case DirectionBuy:
			var cleared bool
			if o.TxHash != "" {
				if !o.TxPending {
					return change{}, fmt.Errorf("%w: %s", ErrTransferRecorded, o.TxHash)
				}
				failed, err := e.reconcile(ctx, o)
				if err != nil {
					return change{}, err
				}
				cleared = failed
			}
			if o.TxHash == "" {
				hash, err := e.mover.SendToUser(ctx, o, o.EffectiveAmount())
				if err != nil {
					return transferFailed(o, "release tokens", err, cleared)
				}
				o.TxHash = hash
			}
			txHash = o.TxHash
		case DirectionSell:
			if o.TxHash == "" {
				return change{}, fmt.Errorf("%w: tokens have not been transferred", ErrInvalidTransition)
			}
			if o.TxPending {
				failed, err := e.reconcile(ctx, o)
				if err != nil {
					return change{}, err
				}
				if failed {
					return change{
						event: EventTransferFailed,
						fail:  fmt.Errorf("%w: token transfer failed, request it again", ErrInvalidTransition),
					}, nil
				}
			}
		}

		o.Status = StatusCompleted
		o.CompletedAt = &now
		return change{event: EventCompleted, txHash: txHash}, nil
	})
}

// Cancel cancels a non-terminal order. The admin, the owner and the system
// expirer may cancel; an order with a recorded token transfer cannot be.
func (e *Engine) Cancel(ctx context.Context, id string, actor Actor, reason string) (*Order, error) {
	reason = validation.SanitizeString(reason, validation.MaxStringLength)
	resp, err := e.transition(ctx, id, ActionCancel, actor, func(o *Order, now time.Time) (change, error) {
		switch actor.Role {
		case RoleAdmin, RoleSystem:
		default:
			if err := requireOwner(actor, o); err != nil {
				return change{}, err
			}
		}
		if o.IsTerminal() {
			return change{}, rejectTerminal(o)
		}
		if o.TxHash != "" {
			return change{}, fmt.Errorf("%w: %s", ErrTransferRecorded, o.TxHash)
		}
		o.Status = StatusCancelled
		o.CancelledBy = actor.String()
		o.CancelReason = reason
		o.CancelledAt = &now
		return change{event: EventCancelled}, nil
	})
	return orderOf(resp, err)
}

// SetCustomAmount overrides the token amount used for chain calls.
func (e *Engine) SetCustomAmount(ctx context.Context, id string, actor Actor, value string) (*Order, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	if errs := validation.Validate(
		validation.Required("customAmount", value),
		validation.PositiveDecimal("customAmount", value, amount.TokenDecimals),
	); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, errs.Error())
	}
	custom := decimal.RequireFromString(value)

	resp, err := e.transition(ctx, id, ActionSetCustomAmount, actor, func(o *Order, now time.Time) (change, error) {
		if o.IsTerminal() {
			return change{}, rejectTerminal(o)
		}
		if o.TxHash != "" {
			return change{}, fmt.Errorf("%w: %s", ErrTransferRecorded, o.TxHash)
		}
		o.CustomAmount = decimal.NewNullDecimal(custom)
		return change{event: EventAmountOverridden}, nil
	})
	return orderOf(resp, err)
}

// ConfirmReceived records, once, that the user saw the funds arrive. It is
// advisory and never changes status.
func (e *Engine) ConfirmReceived(ctx context.Context, id string, actor Actor) (*Order, error) {
	resp, err := e.transition(ctx, id, ActionConfirmReceived, actor, func(o *Order, now time.Time) (change, error) {
		if err := requireOwner(actor, o); err != nil {
			return change{}, err
		}
		if o.Status == StatusCancelled {
			return change{}, rejectTerminal(o)
		}
		if o.UserConfirmedReceived {
			return change{}, ErrAlreadyConfirmed
		}
		o.UserConfirmedReceived = true
		o.UserConfirmedAt = &now
		return change{event: EventReceiptConfirmed}, nil
	})
	return orderOf(resp, err)
}

// RequestGaslessTransfer moves a SELL order's tokens from the user to the
// admin through the gas station. Status does not change. A transfer already
// recorded on the order is returned without another chain call; a pending
// one is reconciled first. A missing allowance comes back as NeedsApproval
// with the order untouched.
func (e *Engine) RequestGaslessTransfer(ctx context.Context, id string, actor Actor) (*Response, error) {
	return e.transition(ctx, id, ActionGaslessTransfer, actor, func(o *Order, now time.Time) (change, error) {
		if actor.Role != RoleAdmin {
			if err := requireOwner(actor, o); err != nil {
				return change{}, err
			}
		}
		if o.Kind.Direction() != DirectionSell {
			return change{}, fmt.Errorf("%w: %s orders are settled on confirm", ErrWrongKind, o.Kind)
		}
		var cleared bool
		if o.TxHash != "" {
			if !o.TxPending {
				return change{txHash: o.TxHash}, nil
			}
			failed, err := e.reconcile(ctx, o)
			if err != nil {
				return change{}, err
			}
			if !failed {
				return change{event: EventTokensMoved, txHash: o.TxHash}, nil
			}
			cleared = true
		}
		if o.IsTerminal() {
			return change{}, rejectTerminal(o)
		}

		hash, needsApproval, err := e.mover.PullFromUser(ctx, o, o.EffectiveAmount())
		if err != nil {
			return transferFailed(o, "gasless transfer", err, cleared)
		}
		if needsApproval {
			if cleared {
				return change{event: EventTransferFailed, needsApproval: true}, nil
			}
			return change{needsApproval: true}, nil
		}
		o.TxHash = hash
		return change{event: EventTokensMoved, txHash: hash}, nil
	})
}

// RecordOnChainID stores the escrow contract's order id, once.
func (e *Engine) RecordOnChainID(ctx context.Context, id string, actor Actor, onChainID string) (*Order, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	onChainID = strings.TrimSpace(onChainID)
	if !onChainIDRegex.MatchString(onChainID) {
		return nil, fmt.Errorf("%w: onChainId must be a decimal integer", ErrInvalidRequest)
	}
	resp, err := e.transition(ctx, id, ActionRecordOnChainID, actor, func(o *Order, now time.Time) (change, error) {
		if o.OnChainID != "" {
			return change{}, ErrOnChainIDAlreadySet
		}
		o.OnChainID = onChainID
		return change{event: EventOnChainRecorded}, nil
	})
	return orderOf(resp, err)
}

// Expire cancels id if it is still PENDING. Used by the Expirer.
func (e *Engine) Expire(ctx context.Context, id string) (*Order, error) {
	system := Actor{Role: RoleSystem}
	resp, err := e.transition(ctx, id, ActionCancel, system, func(o *Order, now time.Time) (change, error) {
		if err := requireStatus(o, StatusPending); err != nil {
			return change{}, err
		}
		if o.TxHash != "" {
			return change{}, fmt.Errorf("%w: %s", ErrTransferRecorded, o.TxHash)
		}
		o.Status = StatusCancelled
		o.CancelledBy = system.String()
		o.CancelReason = "expired"
		o.CancelledAt = &now
		return change{event: EventCancelled}, nil
	})
	return orderOf(resp, err)
}

// Get returns an order. Users may only read their own.
func (e *Engine) Get(ctx context.Context, id string, actor Actor) (*Order, error) {
	o, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Role == RoleUser && !actor.owns(o) {
		// Hide existence from other wallets.
		return nil, ErrOrderNotFound
	}
	return o, nil
}

// List returns orders newest first. Users only ever see their own.
func (e *Engine) List(ctx context.Context, actor Actor, f Filter) ([]*Order, error) {
	if actor.Role == RoleUser {
		f.UserAddr = actor.Addr
	} else {
		f.UserAddr = strings.ToLower(f.UserAddr)
	}
	f.Limit = clampLimit(f.Limit)
	return e.store.List(ctx, f)
}

// ListPage is List with keyset pagination: f.After continues a previous
// page and the returned page carries the cursor for the next one.
func (e *Engine) ListPage(ctx context.Context, actor Actor, f Filter) (pagination.Page[*Order], error) {
	limit := clampLimit(f.Limit)
	f.Limit = limit + 1
	if actor.Role == RoleUser {
		f.UserAddr = actor.Addr
	} else {
		f.UserAddr = strings.ToLower(f.UserAddr)
	}
	orders, err := e.store.List(ctx, f)
	if err != nil {
		return pagination.Page[*Order]{}, err
	}
	return pagination.ComputePage(orders, limit, func(o *Order) (time.Time, string) {
		return o.CreatedAt, o.ID
	}), nil
}

func clampLimit(n int) int {
	if n <= 0 {
		return DefaultListLimit
	}
	if n > MaxListLimit {
		return MaxListLimit
	}
	return n
}

// Apply dispatches a transition request to the matching operation.
func (e *Engine) Apply(ctx context.Context, req Request) (*Response, error) {
	if req.OrderID == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrInvalidRequest)
	}
	if req.Action.adminOnly() {
		if err := requireAdmin(req.Actor); err != nil {
			return nil, err
		}
	}

	var (
		o   *Order
		err error
	)
	switch req.Action {
	case ActionSetPaymentDetails:
		o, err = e.SetPaymentDetails(ctx, req.OrderID, req.Actor,
			PaymentDetails{Identifier: req.PaymentIdentifier, BankDetails: req.BankDetails})
	case ActionSubmitProof:
		o, err = e.SubmitProof(ctx, req.OrderID, req.Actor, req.ProofReference)
	case ActionConfirm:
		return e.Confirm(ctx, req.OrderID, req.Actor)
	case ActionCancel:
		o, err = e.Cancel(ctx, req.OrderID, req.Actor, req.Reason)
	case ActionSetCustomAmount:
		o, err = e.SetCustomAmount(ctx, req.OrderID, req.Actor, req.CustomAmount)
	case ActionConfirmReceived:
		o, err = e.ConfirmReceived(ctx, req.OrderID, req.Actor)
	case ActionGaslessTransfer:
		return e.RequestGaslessTransfer(ctx, req.OrderID, req.Actor)
	case ActionRecordOnChainID:
		o, err = e.RecordOnChainID(ctx, req.OrderID, req.Actor, req.OnChainID)
	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidRequest, req.Action)
	}
	if err != nil {
		return nil, err
	}
	return &Response{Order: o}, nil
}

func orderOf(resp *Response, err error) (*Order, error) {
	if err != nil {
		return nil, err
	}
	return resp.Order, nil
}

// outcome labels a failed transition for metrics.
func outcome(err error) string {
	switch {
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrTransferRecorded),
		errors.Is(err, ErrAlreadyConfirmed), errors.Is(err, ErrOnChainIDAlreadySet), errors.Is(err, ErrWrongKind):
		return "rejected"
	case errors.Is(err, ErrTransferPending):
		return "pending"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrOrderNotFound):
		return "not_found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	return "error"
}
