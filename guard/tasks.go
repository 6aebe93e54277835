package guard

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/paychannel/channel-guard/chain"
	"github.com/paychannel/channel-guard/messages"
	"github.com/paychannel/channel-guard/storage"
)

// A task is an independently schedulable unit of work: it is constructed with
// everything it needs, started once, performs one logical action and reports
// a single completion result to the scheduling loop. Tasks never retry; retry
// policy belongs to whoever spawns them.

const taskTimeout = 5 * time.Minute

type Task interface {
	Kind() TaskKind
	Start()
}

// TaskResult is what the scheduling loop reaps.
type TaskResult struct {
	Kind      TaskKind
	ChannelID uint64
	TxHash    common.Hash
	Err       error
}

// runTask executes fn in its own goroutine behind an error boundary: a panic
// in a task becomes a failure result instead of tearing down the process.
func runTask(kind TaskKind, channelID uint64, done chan<- TaskResult, fn func(ctx context.Context) (common.Hash, error)) {
	go func() {
		res := TaskResult{Kind: kind, ChannelID: channelID}
		defer func() {
			if r := recover(); r != nil {
				res.Err = errors.Errorf("task panic: %v", r)
			}
			done <- res
		}()
		ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
		defer cancel()
		res.TxHash, res.Err = fn(ctx)
	}()
}

// storeRequestTask validates an inbound monitor request and persists it,
// superseding an older request for the same (channel, participant) pair only
// when the new balance proof nonce is strictly greater.
type storeRequestTask struct {
	store   storage.Store
	request *messages.MonitorRequest
	done    chan<- TaskResult
}

func newStoreRequestTask(store storage.Store, request *messages.MonitorRequest, done chan<- TaskResult) *storeRequestTask {
	return &storeRequestTask{
		store:   store,
		request: request,
		done:    done,
	}
}

func (t *storeRequestTask) Kind() TaskKind {
	return TaskStoreRequest
}

func (t *storeRequestTask) Start() {
	runTask(TaskStoreRequest, t.request.BalanceProof.ChannelID, t.done, func(ctx context.Context) (common.Hash, error) {
		if err := t.request.Verify(); err != nil {
			return common.Hash{}, errors.Wrap(err, "reject monitor request")
		}
		participant, err := t.request.NonClosingSigner()
		if err != nil {
			return common.Hash{}, err
		}
		stored, err := t.store.GetMonitorRequests(t.request.BalanceProof.ChannelID)
		if err != nil {
			return common.Hash{}, errors.Wrap(err, "read stored requests")
		}
		if existing, ok := stored[participant]; ok {
			if t.request.BalanceProof.Nonce <= existing.BalanceProof.Nonce {
				return common.Hash{}, errors.Errorf(
					"stale monitor request for channel=%d participant=%s: nonce %d <= stored %d",
					t.request.BalanceProof.ChannelID, participant.Hex(),
					t.request.BalanceProof.Nonce, existing.BalanceProof.Nonce,
				)
			}
		}
		return common.Hash{}, t.store.StoreMonitorRequest(t.request)
	})
}

// channelCloseTask disputes a stale close by submitting the stored
// higher-nonce balance proof to the monitoring contract.
type channelCloseTask struct {
	contract *chain.MonitoringContract
	request  *messages.MonitorRequest
	done     chan<- TaskResult
}

func newChannelCloseTask(contract *chain.MonitoringContract, request *messages.MonitorRequest, done chan<- TaskResult) *channelCloseTask {
	return &channelCloseTask{
		contract: contract,
		request:  request,
		done:     done,
	}
}

func (t *channelCloseTask) Kind() TaskKind {
	return TaskDisputeClose
}

func (t *channelCloseTask) Start() {
	runTask(TaskDisputeClose, t.request.BalanceProof.ChannelID, t.done, func(ctx context.Context) (common.Hash, error) {
		return t.contract.SubmitNonClosingProof(ctx, t.request)
	})
}

// channelSettleTask claims the monitoring reward for a settled channel.
type channelSettleTask struct {
	contract *chain.MonitoringContract
	request  *messages.MonitorRequest
	done     chan<- TaskResult
}

func newChannelSettleTask(contract *chain.MonitoringContract, request *messages.MonitorRequest, done chan<- TaskResult) *channelSettleTask {
	return &channelSettleTask{
		contract: contract,
		request:  request,
		done:     done,
	}
}

func (t *channelSettleTask) Kind() TaskKind {
	return TaskClaimReward
}

func (t *channelSettleTask) Start() {
	runTask(TaskClaimReward, t.request.BalanceProof.ChannelID, t.done, func(ctx context.Context) (common.Hash, error) {
		participant, err := t.request.NonClosingSigner()
		if err != nil {
			return common.Hash{}, err
		}
		return t.contract.ClaimReward(ctx, t.request.BalanceProof.ChannelID, participant)
	})
}
