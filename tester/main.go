package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	tmlog "github.com/tendermint/tendermint/libs/log"

	"github.com/paychannel/channel-guard/chain"
)

// manual harness: point it at a live RPC endpoint and a token network
// address and watch confirmed events scroll by.

func main() {
	logger := tmlog.NewTMLogger(os.Stdout)
	rpcURL := os.Getenv("ETH_RPC_ENDPOINT")
	if rpcURL == "" {
		rpcURL = "http://localhost:8545"
	}
	tokenNetwork := common.HexToAddress(os.Getenv("TOKEN_NETWORK_ADDRESS"))

	client, err := chain.Dial(context.Background(), rpcURL)
	if err != nil {
		logger.Error(fmt.Sprintf("dial %s: %s", rpcURL, err.Error()))
		os.Exit(1)
	}
	defer client.Close()

	monitor := chain.NewEventMonitor(client, tokenNetwork, 5, 5*time.Second, logger)
	for _, kind := range []chain.EventKind{
		chain.EventChannelOpened,
		chain.EventChannelClosed,
		chain.EventChannelSettled,
	} {
		kind := kind
		monitor.AddConfirmedListener(kind, func(ev chain.ConfirmedEvent) error {
			logger.Info(fmt.Sprintf("%s channel=%d block=%d tx=%s", kind, ev.ChannelID, ev.BlockNumber, ev.TxHash.Hex()))
			return nil
		})
	}

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		monitor.Start()
		wg.Done()
	}()
	wg.Wait()
}
