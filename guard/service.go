package guard

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	tmlog "github.com/tendermint/tendermint/libs/log"

	"github.com/paychannel/channel-guard/chain"
	"github.com/paychannel/channel-guard/messages"
	"github.com/paychannel/channel-guard/storage"
	"github.com/paychannel/channel-guard/transport"
)

// MonitoringService owns the service identity and the tracked channel
// lifecycle states. It
// subscribes to confirmed chain events, turns each qualifying event into a
// task, accepts monitor requests from the transport, and reaps finished tasks
// in a single scheduling loop.
type MonitoringService struct {
	config    Config
	store     storage.Store
	transport transport.Transport
	monitor   *chain.EventMonitor
	client    chain.Client
	contract  *chain.MonitoringContract

	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int

	channels map[uint64]ChannelState
	taskDone chan TaskResult
	inFlight int

	logger    tmlog.Logger
	isRunning bool
	mu        sync.Mutex

	// FatalHandler ends the process on an unrecoverable runtime error.
	// Overridable in tests.
	FatalHandler func(error)
}

const startupTimeout = 30 * time.Second

// NewMonitoringService validates the service identity and constructs the
// core. Construction fails with a typed error when the key is unusable
// (BadKeyError), the persisted identity does not match the configuration
// (StoreMismatchError), or the service is not registered with the monitoring
// contract (NotRegisteredError).
func NewMonitoringService(
	config Config,
	store storage.Store,
	tp transport.Transport,
	monitor *chain.EventMonitor,
	client chain.Client,
	logger tmlog.Logger,
) (*MonitoringService, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(config.PrivateKey, "0x"))
	if err != nil {
		return nil, &BadKeyError{Reason: err.Error()}
	}
	address := crypto.PubkeyToAddress(key.PublicKey)
	if !common.IsHexAddress(config.MonitoringContractAddress) {
		return nil, errors.Errorf("invalid monitoring contract address %q", config.MonitoringContractAddress)
	}
	contractAddress := common.HexToAddress(config.MonitoringContractAddress)

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "query chain id")
	}

	initialized, err := store.IsInitialized()
	if err != nil {
		return nil, errors.Wrap(err, "inspect state db")
	}
	if !initialized {
		if err := store.Setup(chainID.Int64(), contractAddress, address); err != nil {
			return nil, errors.Wrap(err, "initialize state db")
		}
	}
	if err := verifyIdentity(store, chainID.Int64(), contractAddress, address); err != nil {
		return nil, err
	}

	contract := chain.NewMonitoringContract(client, contractAddress, chainID, key)
	registered, err := contract.IsRegistered(ctx, address)
	if err != nil {
		return nil, errors.Wrap(err, "query service registration")
	}
	if !registered {
		return nil, &NotRegisteredError{Service: address.Hex(), Contract: contractAddress.Hex()}
	}

	return &MonitoringService{
		config:       config,
		store:        store,
		transport:    tp,
		monitor:      monitor,
		client:       client,
		contract:     contract,
		key:          key,
		address:      address,
		chainID:      chainID,
		channels:     make(map[uint64]ChannelState),
		taskDone:     make(chan TaskResult, TaskChannelCapacity),
		logger:       logger,
		FatalHandler: func(err error) {
			logger.Error(fmt.Sprintf("unrecoverable error, terminating: %s", err.Error()))
			os.Exit(1)
		},
	}, nil
}

// verifyIdentity compares every persisted identity field against the current
// configuration, reporting the first mismatch.
func verifyIdentity(store storage.Store, chainID int64, contractAddress, serviceAddress common.Address) error {
	storedChainID, err := store.ChainID()
	if err != nil {
		return errors.Wrap(err, "read state db chain id")
	}
	if storedChainID != chainID {
		return &StoreMismatchError{
			Field:  "chain id",
			Stored: fmt.Sprintf("%d", storedChainID),
			Actual: fmt.Sprintf("%d", chainID),
		}
	}
	storedServer, err := store.ServerAddress()
	if err != nil {
		return errors.Wrap(err, "read state db server address")
	}
	if storedServer != serviceAddress {
		return &StoreMismatchError{
			Field:  "service address",
			Stored: storedServer.Hex(),
			Actual: serviceAddress.Hex(),
		}
	}
	storedContract, err := store.MonitoringContractAddress()
	if err != nil {
		return errors.Wrap(err, "read state db contract address")
	}
	if storedContract != contractAddress {
		return &StoreMismatchError{
			Field:  "monitoring contract address",
			Stored: storedContract.Hex(),
			Actual: contractAddress.Hex(),
		}
	}
	return nil
}

// Address is the service's signing identity.
func (s *MonitoringService) Address() common.Address {
	return s.address
}

// MonitorRequests lists all stored monitor requests, for the control plane.
func (s *MonitoringService) MonitorRequests() ([]*messages.MonitorRequest, error) {
	return s.store.GetAllMonitorRequests()
}

// Start registers the event and message callbacks, starts the event monitor
// and transport, then runs the scheduling loop until Stop. Blocks; run in a
// goroutine.
func (s *MonitoringService) Start() {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.monitor.AddConfirmedListener(chain.EventChannelOpened, s.onChannelOpened)
	s.monitor.AddConfirmedListener(chain.EventChannelClosed, s.onChannelClosed)
	s.monitor.AddConfirmedListener(chain.EventChannelSettled, s.onChannelSettled)
	s.transport.AddMessageCallback(s.OnMessage)

	go s.monitor.Start()
	go s.transport.Start()

	// reap finished tasks until the stop signal is set
	for {
		s.mu.Lock()
		running := s.isRunning
		s.mu.Unlock()
		if !running {
			return
		}
		select {
		case res := <-s.taskDone:
			s.reap(res)
		case <-time.After(5 * time.Second):
		}
	}
}

// Stop stops the event monitor and transport and flips the scheduling loop's
// stop signal. In-flight tasks are not cancelled; use WaitTasks to drain them.
func (s *MonitoringService) Stop() {
	s.monitor.Stop()
	s.transport.Stop()
	s.mu.Lock()
	s.isRunning = false
	s.mu.Unlock()
}

// WaitTasks blocks until no task is in flight, reaping results itself if the
// scheduling loop has already stopped.
func (s *MonitoringService) WaitTasks() {
	for {
		s.mu.Lock()
		n := s.inFlight
		s.mu.Unlock()
		if n == 0 {
			return
		}
		select {
		case res := <-s.taskDone:
			s.reap(res)
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (s *MonitoringService) reap(res TaskResult) {
	s.mu.Lock()
	s.inFlight--
	s.mu.Unlock()
	if res.Err != nil {
		s.logger.Error(fmt.Sprintf("task %s channel=%d failed: %s", taskKindName(res.Kind), res.ChannelID, res.Err.Error()))
		return
	}
	if res.TxHash != (common.Hash{}) {
		s.logger.Info(fmt.Sprintf("task %s channel=%d completed tx=%s", taskKindName(res.Kind), res.ChannelID, res.TxHash.Hex()))
		return
	}
	s.logger.Info(fmt.Sprintf("task %s channel=%d completed", taskKindName(res.Kind), res.ChannelID))
}

func (s *MonitoringService) startTask(t Task) {
	s.mu.Lock()
	s.inFlight++
	s.mu.Unlock()
	t.Start()
}

// channelState reports the tracked lifecycle state for a channel. A channel
// id never observed has no map entry and reads as ChannelUnknown.
func (s *MonitoringService) channelState(channelID uint64) ChannelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[channelID]
}

// onChannelOpened moves an unknown channel to ChannelOpen. Duplicate delivery
// is a no-op, and a re-delivered open never resurrects a closed or settled
// channel.
func (s *MonitoringService) onChannelOpened(ev chain.ConfirmedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state := s.channels[ev.ChannelID]; state != ChannelUnknown {
		s.logger.Debug(fmt.Sprintf("duplicate open for channel=%d state=%s", ev.ChannelID, channelStateName(state)))
		return nil
	}
	s.channels[ev.ChannelID] = ChannelOpen
	s.logger.Info(fmt.Sprintf("channel open: channel=%d participants=%s,%s",
		ev.ChannelID, ev.Participant1.Hex(), ev.Participant2.Hex()))
	return nil
}

// onChannelClosed recovers the closing party's balance proof from the close
// transaction, spawns one dispute task per stored request whose protected
// participant is not the closing party, and moves the channel to ChannelClosed
// whether or not any dispute was spawned. A transient failure to fetch the
// close transaction returns an error so the unadvanced batch is retried; a
// close transaction whose calldata cannot be decoded is not retried, since
// the dispute needs only the stored request and the event's closing
// participant.
func (s *MonitoringService) onChannelClosed(ev chain.ConfirmedEvent) error {
	if state := s.channelState(ev.ChannelID); state != ChannelOpen {
		s.logger.Debug(fmt.Sprintf("ignoring close for channel=%d state=%s", ev.ChannelID, channelStateName(state)))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()
	closingProof, err := chain.ExtractClosingProof(ctx, s.client, ev, s.chainID.Int64())
	switch {
	case err == nil:
		s.logger.Info(fmt.Sprintf("channel close: channel=%d closing_participant=%s closing_nonce=%d",
			ev.ChannelID, ev.ClosingParticipant.Hex(), closingProof.Nonce))
	case errors.Cause(err) == chain.ErrUndecodableClose:
		s.logger.Error(fmt.Sprintf("channel close: channel=%d closing_participant=%s: %s",
			ev.ChannelID, ev.ClosingParticipant.Hex(), err.Error()))
	default:
		return errors.Wrapf(err, "recover closing proof for channel=%d", ev.ChannelID)
	}

	requests, err := s.store.GetMonitorRequests(ev.ChannelID)
	if err != nil {
		return errors.Wrapf(err, "read monitor requests for channel=%d", ev.ChannelID)
	}
	for participant, mr := range requests {
		if participant == ev.ClosingParticipant {
			// never act on behalf of the party that performed the close;
			// its request is no longer actionable at settlement either
			if err := s.store.DeleteMonitorRequest(ev.ChannelID, participant); err != nil {
				return errors.Wrapf(err, "discard closing participant's request for channel=%d", ev.ChannelID)
			}
			continue
		}
		s.logger.Info(fmt.Sprintf("disputing close of channel=%d on behalf of %s nonce=%d",
			ev.ChannelID, participant.Hex(), mr.BalanceProof.Nonce))
		s.startTask(newChannelCloseTask(s.contract, mr, s.taskDone))
	}

	s.mu.Lock()
	s.channels[ev.ChannelID] = ChannelClosed
	s.mu.Unlock()
	return nil
}

// onChannelSettled spawns a reward claim for every stored request of the
// channel, then deletes them. A channel with nothing stored is a no-op.
//
// Rewards are claimed for every stored request, whether or not this service
// ever submitted a dispute for the channel. TODO: record submitted disputes
// and claim only for those.
func (s *MonitoringService) onChannelSettled(ev chain.ConfirmedEvent) error {
	requests, err := s.store.GetMonitorRequests(ev.ChannelID)
	if err != nil {
		return errors.Wrapf(err, "read monitor requests for channel=%d", ev.ChannelID)
	}
	s.logger.Info(fmt.Sprintf("channel settled: channel=%d stored_requests=%d", ev.ChannelID, len(requests)))
	for _, mr := range requests {
		s.startTask(newChannelSettleTask(s.contract, mr, s.taskDone))
	}
	if err := s.store.DeleteMonitorRequests(ev.ChannelID); err != nil {
		return errors.Wrapf(err, "delete monitor requests for channel=%d", ev.ChannelID)
	}
	// terminal state; a stale re-delivered open can no longer resurrect the
	// channel
	s.mu.Lock()
	s.channels[ev.ChannelID] = ChannelSettled
	s.mu.Unlock()
	return nil
}

// OnMessage handles one decoded transport envelope. Only monitor requests are
// acted on; everything else is logged and dropped.
func (s *MonitoringService) OnMessage(env *messages.Envelope) error {
	if env.Kind != messages.KindMonitorRequest {
		s.logger.Info(fmt.Sprintf("ignoring unknown message type %q", env.Kind))
		return nil
	}
	mr, err := messages.DecodeMonitorRequest(env.Payload)
	if err != nil {
		s.logger.Debug(fmt.Sprintf("dropping undecodable monitor request: %s", err.Error()))
		return nil
	}
	s.onMonitorRequest(mr)
	return nil
}

// onMonitorRequest spawns a store task for a request on a currently open
// channel; requests for unknown or already-closed channels are dropped.
func (s *MonitoringService) onMonitorRequest(mr *messages.MonitorRequest) {
	channelID := mr.BalanceProof.ChannelID
	if state := s.channelState(channelID); state != ChannelOpen {
		s.logger.Debug(fmt.Sprintf("discarding monitor request for channel=%d state=%s", channelID, channelStateName(state)))
		return
	}
	s.startTask(newStoreRequestTask(s.store, mr, s.taskDone))
}

// Fatal is the error boundary for collaborator callbacks: anything routed
// here is a programming error, logged and fatal.
func (s *MonitoringService) Fatal(err error) {
	s.FatalHandler(err)
}
