package order

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/mbd888/p2pramp/internal/amount"
	"github.com/mbd888/p2pramp/internal/chain"
	"github.com/mbd888/p2pramp/internal/relay"
)

// GasStation is the part of relay.Station the engine drives.
type GasStation interface {
	Address() common.Address
	ChainID() int64
	AdminTransfer(ctx context.Context, req relay.TransferRequest) (string, error)
	Sell(ctx context.Context, p relay.Protocol, req relay.SellRequest) (*relay.SellOutcome, error)
	TxStatus(ctx context.Context, txHash string) (chain.TxState, error)
}

var _ GasStation = (*relay.Station)(nil)

// RelayMover moves order tokens through the gas station. BUY settlements
// come from admin; SELL transfers go to admin. A zero admin means the relay
// account itself.
type RelayMover struct {
	station GasStation
	admin   common.Address
}

// NewRelayMover creates a TokenMover backed by station.
func NewRelayMover(station GasStation, admin common.Address) *RelayMover {
	return &RelayMover{station: station, admin: admin}
}

var _ TokenMover = (*RelayMover)(nil)

func (m *RelayMover) counterparty() common.Address {
	if m.admin == (common.Address{}) {
		return m.station.Address()
	}
	return m.admin
}

// SendToUser settles a BUY order.
func (m *RelayMover) SendToUser(ctx context.Context, o *Order, amt decimal.Decimal) (string, error) {
	raw, err := amount.ToBaseUnits(amt, amount.TokenDecimals)
	if err != nil {
		return "", err
	}
	hash, err := m.station.AdminTransfer(ctx, relay.TransferRequest{
		ChainID: m.station.ChainID(),
		Admin:   m.counterparty(),
		User:    common.HexToAddress(o.UserAddr),
		Amount:  raw,
	})
	if err != nil {
		return "", pendingTransfer(err)
	}
	return hash, nil
}

// PullFromUser runs the composed gasless sell for a SELL order.
func (m *RelayMover) PullFromUser(ctx context.Context, o *Order, amt decimal.Decimal) (string, bool, error) {
	raw, err := amount.ToBaseUnits(amt, amount.TokenDecimals)
	if err != nil {
		return "", false, err
	}
	out, err := m.station.Sell(ctx, relay.ProtocolGaslessComposed, relay.SellRequest{
		ChainID:    m.station.ChainID(),
		User:       common.HexToAddress(o.UserAddr),
		Admin:      m.counterparty(),
		Amount:     raw,
		FiatAmount: o.FiatAmount,
		OrderKind:  o.Kind.String(),
	})
	if err != nil {
		return "", false, pendingTransfer(err)
	}
	return out.TxHash, out.NeedsApproval, nil
}

// TransferStatus maps the chain's view of txHash onto a TransferState.
func (m *RelayMover) TransferStatus(ctx context.Context, txHash string) (TransferState, error) {
	state, err := m.station.TxStatus(ctx, txHash)
	if err != nil {
		return TransferPending, err
	}
	switch state {
	case chain.TxConfirmed:
		return TransferConfirmed, nil
	case chain.TxReverted, chain.TxDropped:
		return TransferFailed, nil
	default:
		return TransferPending, nil
	}
}

// pendingTransfer turns a TX_PENDING relay error into a *TransferPendingError.
func pendingTransfer(err error) error {
	var re *relay.Error
	if errors.As(err, &re) && re.Code == relay.CodeTxPending && re.TxHash != "" {
		return &TransferPendingError{TxHash: re.TxHash, Err: err}
	}
	return err
}
