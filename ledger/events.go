package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// BookingRedeemed mirrors a redemption log emitted by the token contract.
// TxHash and LogIndex together form the natural identity of the event.
type BookingRedeemed struct {
	Redeemer    common.Address
	TokenID     uint64
	Quantity    uint64
	Details     string
	TxHash      common.Hash
	LogIndex    uint
	BlockNumber uint64
}

// SaleCreated mirrors a sale opened on the escrow contract.
type SaleCreated struct {
	SaleID      uint64
	Seller      common.Address
	Buyer       common.Address
	TokenID     uint64
	Quantity    uint64
	TxHash      common.Hash
	BlockNumber uint64
}

// SaleStatusChange mirrors a SaleReleased or SaleCancelled log.
type SaleStatusChange struct {
	SaleID      uint64
	TxHash      common.Hash
	BlockNumber uint64
}

// FilterBookingRedeemed returns redemption events in [from, to].
func (g *Gateway) FilterBookingRedeemed(ctx context.Context, from, to uint64) ([]BookingRedeemed, error) {
	logs, err := g.filterLogs(ctx, g.tokenAddr, bookingRedeemedTopic, from, to)
	if err != nil {
		return nil, err
	}
	events := make([]BookingRedeemed, 0, len(logs))
	for _, entry := range logs {
		if len(entry.Topics) < 3 {
			continue
		}
		values, err := tokenABI.Unpack("BookingRedeemed", entry.Data)
		if err != nil {
			return nil, fmt.Errorf("unpack BookingRedeemed: %w", err)
		}
		if len(values) != 2 {
			return nil, fmt.Errorf("BookingRedeemed carries %d data values", len(values))
		}
		quantity, ok := values[0].(*big.Int)
		if !ok {
			return nil, fmt.Errorf("BookingRedeemed quantity is not an integer")
		}
		details, _ := values[1].(string)
		events = append(events, BookingRedeemed{
			Redeemer:    common.BytesToAddress(entry.Topics[1].Bytes()),
			TokenID:     topicUint64(entry.Topics[2]),
			Quantity:    quantity.Uint64(),
			Details:     details,
			TxHash:      entry.TxHash,
			LogIndex:    entry.Index,
			BlockNumber: entry.BlockNumber,
		})
	}
	return events, nil
}

// FilterSaleCreated returns sale creation events in [from, to].
func (g *Gateway) FilterSaleCreated(ctx context.Context, from, to uint64) ([]SaleCreated, error) {
	logs, err := g.filterLogs(ctx, g.escrowAddr, saleCreatedTopic, from, to)
	if err != nil {
		return nil, err
	}
	events := make([]SaleCreated, 0, len(logs))
	for _, entry := range logs {
		if len(entry.Topics) < 4 {
			continue
		}
		values, err := escrowABI.Unpack("SaleCreated", entry.Data)
		if err != nil {
			return nil, fmt.Errorf("unpack SaleCreated: %w", err)
		}
		if len(values) != 2 {
			return nil, fmt.Errorf("SaleCreated carries %d data values", len(values))
		}
		tokenID, ok := values[0].(*big.Int)
		if !ok {
			return nil, fmt.Errorf("SaleCreated tokenId is not an integer")
		}
		quantity, ok := values[1].(*big.Int)
		if !ok {
			return nil, fmt.Errorf("SaleCreated quantity is not an integer")
		}
		events = append(events, SaleCreated{
			SaleID:      topicUint64(entry.Topics[1]),
			Seller:      common.BytesToAddress(entry.Topics[2].Bytes()),
			Buyer:       common.BytesToAddress(entry.Topics[3].Bytes()),
			TokenID:     tokenID.Uint64(),
			Quantity:    quantity.Uint64(),
			TxHash:      entry.TxHash,
			BlockNumber: entry.BlockNumber,
		})
	}
	return events, nil
}

// FilterSaleReleased returns sale release events in [from, to].
func (g *Gateway) FilterSaleReleased(ctx context.Context, from, to uint64) ([]SaleStatusChange, error) {
	return g.filterSaleStatus(ctx, saleReleasedTopic, from, to)
}

// FilterSaleCancelled returns sale cancellation events in [from, to].
func (g *Gateway) FilterSaleCancelled(ctx context.Context, from, to uint64) ([]SaleStatusChange, error) {
	return g.filterSaleStatus(ctx, saleCancelledTopic, from, to)
}

func (g *Gateway) filterSaleStatus(ctx context.Context, topic common.Hash, from, to uint64) ([]SaleStatusChange, error) {
	logs, err := g.filterLogs(ctx, g.escrowAddr, topic, from, to)
	if err != nil {
		return nil, err
	}
	events := make([]SaleStatusChange, 0, len(logs))
	for _, entry := range logs {
		if len(entry.Topics) < 2 {
			continue
		}
		events = append(events, SaleStatusChange{
			SaleID:      topicUint64(entry.Topics[1]),
			TxHash:      entry.TxHash,
			BlockNumber: entry.BlockNumber,
		})
	}
	return events, nil
}

func (g *Gateway) filterLogs(ctx context.Context, address common.Address, topic common.Hash, from, to uint64) ([]gethtypes.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{address},
		Topics:    [][]common.Hash{{topic}},
	}
	logs, err := g.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("filter logs: %w", err)
	}
	return logs, nil
}

func topicUint64(topic common.Hash) uint64 {
	return new(big.Int).SetBytes(topic.Bytes()).Uint64()
}
