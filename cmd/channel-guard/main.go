package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	tmlog "github.com/tendermint/tendermint/libs/log"

	"github.com/paychannel/channel-guard/api"
	"github.com/paychannel/channel-guard/chain"
	"github.com/paychannel/channel-guard/guard"
	"github.com/paychannel/channel-guard/storage"
	"github.com/paychannel/channel-guard/transport"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "channel-guard",
	Short: "Watchtower for two-party payment channels",
	Long: `channel-guard observes channel lifecycle events on-chain, accepts
signed monitor requests from channel participants, and submits transactions
to dispute a stale close or collect a reward once a channel settles.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", ".env", "config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	logger := tmlog.NewTMLogger(os.Stdout)

	viper.SetConfigFile(cfgFile)
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		logger.Error(fmt.Sprintf("viper.ReadInConfig error: %s", err.Error()))
		return err
	}
	config := guard.Config{}
	if err := viper.Unmarshal(&config); err != nil {
		logger.Error(fmt.Sprintf("viper.Unmarshal error: %s", err.Error()))
		return err
	}

	logger.Info("Start channel guard")

	key, err := crypto.HexToECDSA(strings.TrimPrefix(config.PrivateKey, "0x"))
	if err != nil {
		logger.Error(fmt.Sprintf("can't decode private key: %s", err.Error()))
		return err
	}

	client, err := chain.Dial(context.Background(), config.EthRpcEndpoint)
	if err != nil {
		logger.Error(fmt.Sprintf("can't reach ledger rpc: %s", err.Error()))
		return err
	}
	defer client.Close()

	store, err := storage.Open(config.StateDbPath)
	if err != nil {
		logger.Error(fmt.Sprintf("can't open state db: %s", err.Error()))
		return err
	}
	defer store.Close()

	monitor := chain.NewEventMonitor(
		client,
		common.HexToAddress(config.TokenNetworkAddress),
		config.RequiredConfirmations,
		time.Duration(config.PollInterval)*time.Second,
		logger,
	)
	tp := transport.NewWSTransport(
		config.TransportEndpoint,
		key,
		time.Duration(config.FallbackPause)*time.Second,
		logger,
	)

	service, err := guard.NewMonitoringService(config, store, tp, monitor, client, logger)
	if err != nil {
		switch err.(type) {
		case *guard.StoreMismatchError:
			logger.Error(fmt.Sprintf("state db belongs to another deployment: %s", err.Error()))
		case *guard.NotRegisteredError:
			logger.Error(fmt.Sprintf("registration check failed: %s", err.Error()))
		case *guard.BadKeyError:
			logger.Error(fmt.Sprintf("key material rejected: %s", err.Error()))
		default:
			logger.Error(fmt.Sprintf("service construction failed: %s", err.Error()))
		}
		return err
	}
	tp.SetErrorCallback(service.Fatal)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		service.Start()
		wg.Done()
	}()

	var httpServer *api.Server
	if config.HttpListener > "" {
		httpServer = api.NewServer(config.HttpListener, service, monitor, logger)
		wg.Add(1)
		go func() {
			if err := httpServer.ListenAndServe(); err != nil {
				logger.Error(fmt.Sprintf("error in api.ListenAndServe: %s", err.Error()))
			}
			wg.Done()
		}()
	}

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

	// wait for stop/restart/etc
	<-exit

	// graceful shutdown
	service.Stop()
	if httpServer != nil {
		httpServer.Shutdown()
	}
	service.WaitTasks()

	wg.Wait()
	return nil
}
