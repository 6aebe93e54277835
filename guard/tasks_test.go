package guard

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/paychannel/channel-guard/messages"
	"github.com/paychannel/channel-guard/storage"
)

func runStoreTask(t *testing.T, store storage.Store, mr *messages.MonitorRequest) TaskResult {
	t.Helper()
	done := make(chan TaskResult, 1)
	newStoreRequestTask(store, mr, done).Start()
	select {
	case res := <-done:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("store task did not complete")
		return TaskResult{}
	}
}

func TestStoreTaskPersistsValidRequest(t *testing.T) {
	store, err := storage.OpenInMemory()
	require.NoError(t, err)
	defer store.Close()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	participant := crypto.PubkeyToAddress(key.PublicKey)

	res := runStoreTask(t, store, monitorRequestFor(t, key, 1, 5))
	require.NoError(t, res.Err)
	require.Equal(t, TaskStoreRequest, res.Kind)

	got, err := store.GetMonitorRequests(1)
	require.NoError(t, err)
	require.Equal(t, uint64(5), got[participant].BalanceProof.Nonce)
}

func TestStoreTaskRejectsStaleNonce(t *testing.T) {
	store, err := storage.OpenInMemory()
	require.NoError(t, err)
	defer store.Close()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	participant := crypto.PubkeyToAddress(key.PublicKey)

	require.NoError(t, runStoreTask(t, store, monitorRequestFor(t, key, 1, 5)).Err)

	// equal and lower nonces both fail and leave the stored request alone
	require.Error(t, runStoreTask(t, store, monitorRequestFor(t, key, 1, 5)).Err)
	require.Error(t, runStoreTask(t, store, monitorRequestFor(t, key, 1, 3)).Err)

	got, err := store.GetMonitorRequests(1)
	require.NoError(t, err)
	require.Equal(t, uint64(5), got[participant].BalanceProof.Nonce)
}

func TestStoreTaskSupersedesWithHigherNonce(t *testing.T) {
	store, err := storage.OpenInMemory()
	require.NoError(t, err)
	defer store.Close()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	participant := crypto.PubkeyToAddress(key.PublicKey)

	require.NoError(t, runStoreTask(t, store, monitorRequestFor(t, key, 1, 5)).Err)
	require.NoError(t, runStoreTask(t, store, monitorRequestFor(t, key, 1, 8)).Err)

	got, err := store.GetMonitorRequests(1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, uint64(8), got[participant].BalanceProof.Nonce)
}

func TestStoreTaskRejectsBadSignature(t *testing.T) {
	store, err := storage.OpenInMemory()
	require.NoError(t, err)
	defer store.Close()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	mr := monitorRequestFor(t, key, 1, 5)
	mr.NonClosingSignature = nil

	require.Error(t, runStoreTask(t, store, mr).Err)
	all, err := store.GetAllMonitorRequests()
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestTaskPanicBecomesFailureResult(t *testing.T) {
	done := make(chan TaskResult, 1)
	runTask(TaskStoreRequest, 1, done, nil) // nil fn panics inside the boundary
	res := <-done
	require.Error(t, res.Err)
	require.Contains(t, res.Err.Error(), "panic")
}

func TestDisputeAndClaimTasksSubmitOneTransactionEach(t *testing.T) {
	client := newFakeClient()
	service, _ := newTestService(t, client)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	mr := monitorRequestFor(t, key, 3, 4)

	done := make(chan TaskResult, 2)
	newChannelCloseTask(service.contract, mr, done).Start()
	res := <-done
	require.NoError(t, res.Err)
	require.Equal(t, TaskDisputeClose, res.Kind)

	newChannelSettleTask(service.contract, mr, done).Start()
	res = <-done
	require.NoError(t, res.Err)
	require.Equal(t, TaskClaimReward, res.Kind)

	sent := client.sentTxs()
	require.Len(t, sent, 2)
	require.Equal(t, selectorDispute, sent[0].Data()[:4])
	require.Equal(t, selectorClaim, sent[1].Data()[:4])
}
