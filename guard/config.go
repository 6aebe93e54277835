package guard

// Config is an object containing channel guard configuration.
type Config struct {
	EthRpcEndpoint            string `mapstructure:"ETH_RPC_ENDPOINT" mandatory:"true" default:"http://localhost:8545"`
	TokenNetworkAddress       string `mapstructure:"TOKEN_NETWORK_ADDRESS" mandatory:"true"`
	MonitoringContractAddress string `mapstructure:"MONITORING_CONTRACT_ADDRESS" mandatory:"true"`
	PrivateKey                string `mapstructure:"PRIVATE_KEY" mandatory:"true"`
	RequiredConfirmations     uint64 `mapstructure:"REQUIRED_CONFIRMATIONS" mandatory:"true" default:"5"`
	PollInterval              int    `mapstructure:"POLL_INTERVAL" mandatory:"true" default:"5"`
	FallbackPause             int    `mapstructure:"FALLBACK_PAUSE" mandatory:"true" default:"2"`
	TransportEndpoint         string `mapstructure:"TRANSPORT_ENDPOINT" mandatory:"true"`
	HttpListener              string `mapstructure:"HTTP_LISTENER" default:"localhost:5001"`
	StateDbPath               string `mapstructure:"STATE_DB_PATH" mandatory:"true" default:"state.db"`
}

const TaskChannelCapacity = 1000 // 'buffer' (channel) capacity for task completion results
