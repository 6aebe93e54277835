package chain

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	tmlog "github.com/tendermint/tendermint/libs/log"
)

// ConfirmedListener receives one confirmed event. Returning an error aborts
// the current batch without advancing the processed marker; the batch is
// re-delivered on the next cycle. Duplicate delivery is tolerated by
// consumers, missed delivery is not.
type ConfirmedListener func(ev ConfirmedEvent) error

// EventMonitor polls the ledger for token network logs and delivers events to
// listeners only once the events are buried requiredConfirmations blocks deep.
// Within one batch events are delivered in ascending (block, log index) order.
// The processed marker advances only after a whole batch has been dispatched,
// so a failure re-delivers the unfinished batch rather than skipping it.
type EventMonitor struct {
	client        Client
	tokenNetwork  common.Address
	confirmations uint64
	pollInterval  time.Duration
	callTimeout   time.Duration

	lastProcessed uint64
	listeners     map[EventKind][]ConfirmedListener

	logger tmlog.Logger

	isRunning bool
	mu        sync.Mutex
}

func NewEventMonitor(
	client Client,
	tokenNetwork common.Address,
	confirmations uint64,
	pollInterval time.Duration,
	logger tmlog.Logger,
) *EventMonitor {
	return &EventMonitor{
		client:        client,
		tokenNetwork:  tokenNetwork,
		confirmations: confirmations,
		pollInterval:  pollInterval,
		callTimeout:   30 * time.Second,
		listeners:     make(map[EventKind][]ConfirmedListener),
		logger:        logger,
	}
}

// AddConfirmedListener registers a callback for one event kind. Must be
// called before Start.
func (em *EventMonitor) AddConfirmedListener(kind EventKind, fn ConfirmedListener) {
	em.mu.Lock()
	defer em.mu.Unlock()
	em.listeners[kind] = append(em.listeners[kind], fn)
}

// Start runs the polling loop until Stop. Blocks; run in a goroutine.
// Idempotent: a second Start while running returns immediately.
func (em *EventMonitor) Start() {
	em.mu.Lock()
	if em.isRunning {
		em.mu.Unlock()
		return
	}
	em.isRunning = true
	em.mu.Unlock()

	for {
		em.mu.Lock()
		if !em.isRunning {
			em.mu.Unlock()
			return
		}
		err := em.pollCycle()
		em.mu.Unlock()
		if err != nil {
			em.logger.Error(fmt.Sprintf("event monitor poll cycle: %s", err.Error()))
		}
		time.Sleep(em.pollInterval)
	}
}

// Stop ends polling. After Stop returns no further listener is invoked: the
// lock is held for every dispatch, so Stop waits out any in-progress batch.
func (em *EventMonitor) Stop() {
	em.mu.Lock()
	em.isRunning = false
	em.mu.Unlock()
}

// HandleLog feeds a single raw log entry into the dispatch path, bypassing
// polling and confirmation tracking. Used by the control plane's event
// injection endpoint.
func (em *EventMonitor) HandleLog(lg types.Log) error {
	em.mu.Lock()
	defer em.mu.Unlock()
	if !em.isRunning {
		return errors.New("event monitor is not running")
	}
	ev, err := DecodeLog(lg)
	if err != nil {
		return err
	}
	return em.dispatch(ev)
}

// pollCycle runs one fetch-decode-dispatch round. Caller holds the lock.
// A transient RPC error is returned without advancing lastProcessed, so the
// next cycle retries the same range.
func (em *EventMonitor) pollCycle() error {
	ctx, cancel := context.WithTimeout(context.Background(), em.callTimeout)
	defer cancel()

	head, err := em.client.BlockNumber(ctx)
	if err != nil {
		return errors.Wrap(err, "fetch head height")
	}
	if head < em.confirmations {
		return nil
	}
	confirmed := head - em.confirmations
	if confirmed <= em.lastProcessed {
		return nil
	}

	logs, err := em.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(em.lastProcessed + 1),
		ToBlock:   new(big.Int).SetUint64(confirmed),
		Addresses: []common.Address{em.tokenNetwork},
	})
	if err != nil {
		return errors.Wrapf(err, "fetch logs %d..%d", em.lastProcessed+1, confirmed)
	}

	sort.Slice(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})

	for _, lg := range logs {
		ev, err := DecodeLog(lg)
		if err == errUnknownEvent {
			continue
		}
		if err != nil {
			em.logger.Error(fmt.Sprintf("decode log block=%d index=%d: %s", lg.BlockNumber, lg.Index, err.Error()))
			continue
		}
		if err := em.dispatch(ev); err != nil {
			return err
		}
	}

	em.lastProcessed = confirmed
	return nil
}

// dispatch invokes every listener registered for the event's kind. Caller
// holds the lock. A listener error aborts the batch; the poll loop logs it
// and re-delivers the batch next cycle since the marker was not advanced.
func (em *EventMonitor) dispatch(ev ConfirmedEvent) error {
	em.logger.Debug(fmt.Sprintf("confirmed event %s channel=%d block=%d", ev.Kind, ev.ChannelID, ev.BlockNumber))
	for _, fn := range em.listeners[ev.Kind] {
		if err := fn(ev); err != nil {
			return errors.Wrapf(err, "listener for %s channel=%d", ev.Kind, ev.ChannelID)
		}
	}
	return nil
}
