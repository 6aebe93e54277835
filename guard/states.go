package guard

type ChannelState = uint
type TaskKind = uint

// Per-channel lifecycle. Unknown is implicit: a channel id never observed has
// no materialized state. The only reachable order is Open -> Closed -> Settled.
const (
	ChannelUnknown ChannelState = iota
	ChannelOpen
	ChannelClosed
	ChannelSettled
)

const (
	TaskStoreRequest TaskKind = iota // validate and persist an inbound monitor request
	TaskDisputeClose                 // submit the higher-nonce balance proof after an unfair close
	TaskClaimReward                  // claim the monitoring reward after settlement
)

func channelStateName(state ChannelState) string {
	switch state {
	case ChannelOpen:
		return "open"
	case ChannelClosed:
		return "closed"
	case ChannelSettled:
		return "settled"
	}
	return "unknown"
}

func taskKindName(kind TaskKind) string {
	switch kind {
	case TaskStoreRequest:
		return "store-request"
	case TaskDisputeClose:
		return "dispute-close"
	case TaskClaimReward:
		return "claim-reward"
	}
	return "unknown"
}
