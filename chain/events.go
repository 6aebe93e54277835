package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// EventKind names a channel lifecycle event emitted by the token network.
type EventKind string

const (
	EventChannelOpened  EventKind = "ChannelOpened"
	EventChannelClosed  EventKind = "ChannelClosed"
	EventChannelSettled EventKind = "ChannelSettled"
)

// Topic hashes for the tracked token network events.
var (
	topicChannelOpened  = crypto.Keccak256Hash([]byte("ChannelOpened(uint256,address,address,uint256)"))
	topicChannelClosed  = crypto.Keccak256Hash([]byte("ChannelClosed(uint256,address,uint256)"))
	topicChannelSettled = crypto.Keccak256Hash([]byte("ChannelSettled(uint256,uint256,uint256)"))
)

// ConfirmedEvent is a decoded lifecycle event that has reached the required
// confirmation depth. TxHash identifies the originating transaction, from
// which a closing balance proof can be recovered for ChannelClosed events.
type ConfirmedEvent struct {
	Kind               EventKind
	Address            common.Address
	ChannelID          uint64
	Participant1       common.Address
	Participant2       common.Address
	ClosingParticipant common.Address
	BlockNumber        uint64
	LogIndex           uint
	TxHash             common.Hash
}

var errUnknownEvent = errors.New("log does not match a tracked channel event")

// DecodeLog turns a raw log entry into a typed lifecycle event. Logs from
// other events on the same contract return errUnknownEvent.
func DecodeLog(lg types.Log) (ConfirmedEvent, error) {
	if len(lg.Topics) == 0 {
		return ConfirmedEvent{}, errUnknownEvent
	}
	ev := ConfirmedEvent{
		Address:     lg.Address,
		BlockNumber: lg.BlockNumber,
		LogIndex:    lg.Index,
		TxHash:      lg.TxHash,
	}
	switch lg.Topics[0] {
	case topicChannelOpened:
		if len(lg.Topics) < 4 {
			return ConfirmedEvent{}, errors.Errorf("ChannelOpened log with %d topics", len(lg.Topics))
		}
		ev.Kind = EventChannelOpened
		ev.ChannelID = topicToUint64(lg.Topics[1])
		ev.Participant1 = common.BytesToAddress(lg.Topics[2].Bytes())
		ev.Participant2 = common.BytesToAddress(lg.Topics[3].Bytes())
	case topicChannelClosed:
		if len(lg.Topics) < 3 {
			return ConfirmedEvent{}, errors.Errorf("ChannelClosed log with %d topics", len(lg.Topics))
		}
		ev.Kind = EventChannelClosed
		ev.ChannelID = topicToUint64(lg.Topics[1])
		ev.ClosingParticipant = common.BytesToAddress(lg.Topics[2].Bytes())
	case topicChannelSettled:
		if len(lg.Topics) < 2 {
			return ConfirmedEvent{}, errors.Errorf("ChannelSettled log with %d topics", len(lg.Topics))
		}
		ev.Kind = EventChannelSettled
		ev.ChannelID = topicToUint64(lg.Topics[1])
	default:
		return ConfirmedEvent{}, errUnknownEvent
	}
	return ev, nil
}

func topicToUint64(topic common.Hash) uint64 {
	return new(big.Int).SetBytes(topic.Bytes()).Uint64()
}
