package chain

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"

	"github.com/paychannel/channel-guard/messages"
)

const monitoringServiceABI = `[
	{"name":"registered_monitoring_services","type":"function","stateMutability":"view",
	 "inputs":[{"name":"service","type":"address"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"name":"updateNonClosingBalanceProof","type":"function","stateMutability":"nonpayable",
	 "inputs":[
		{"name":"channel_identifier","type":"uint256"},
		{"name":"balance_hash","type":"bytes32"},
		{"name":"nonce","type":"uint256"},
		{"name":"additional_hash","type":"bytes32"},
		{"name":"closing_signature","type":"bytes"},
		{"name":"non_closing_signature","type":"bytes"},
		{"name":"reward_amount","type":"uint256"},
		{"name":"reward_proof_signature","type":"bytes"}],
	 "outputs":[]},
	{"name":"claimReward","type":"function","stateMutability":"nonpayable",
	 "inputs":[
		{"name":"channel_identifier","type":"uint256"},
		{"name":"non_closing_participant","type":"address"}],
	 "outputs":[]}
]`

const tokenNetworkABI = `[
	{"name":"closeChannel","type":"function","stateMutability":"nonpayable",
	 "inputs":[
		{"name":"channel_identifier","type":"uint256"},
		{"name":"balance_hash","type":"bytes32"},
		{"name":"nonce","type":"uint256"},
		{"name":"additional_hash","type":"bytes32"},
		{"name":"signature","type":"bytes"}],
	 "outputs":[]}
]`

var (
	monitoringABI   abi.ABI
	tokenNetABI     abi.ABI
	txGasLimit      = uint64(500000)
	receiptInterval = time.Second
)

func init() {
	var err error
	monitoringABI, err = abi.JSON(strings.NewReader(monitoringServiceABI))
	if err != nil {
		panic(err)
	}
	tokenNetABI, err = abi.JSON(strings.NewReader(tokenNetworkABI))
	if err != nil {
		panic(err)
	}
}

// MonitoringContract submits signed transactions to the monitoring smart
// contract and evaluates its read-only methods.
type MonitoringContract struct {
	client  Client
	address common.Address
	chainID *big.Int
	key     *ecdsa.PrivateKey
}

func NewMonitoringContract(client Client, address common.Address, chainID *big.Int, key *ecdsa.PrivateKey) *MonitoringContract {
	return &MonitoringContract{
		client:  client,
		address: address,
		chainID: chainID,
		key:     key,
	}
}

func (mc *MonitoringContract) Address() common.Address {
	return mc.address
}

// IsRegistered reports whether the given service address is registered with
// the monitoring contract.
func (mc *MonitoringContract) IsRegistered(ctx context.Context, service common.Address) (bool, error) {
	data, err := monitoringABI.Pack("registered_monitoring_services", service)
	if err != nil {
		return false, errors.Wrap(err, "pack registration call")
	}
	out, err := mc.client.CallContract(ctx, ethereum.CallMsg{To: &mc.address, Data: data}, nil)
	if err != nil {
		return false, errors.Wrap(err, "registration call")
	}
	res, err := monitoringABI.Unpack("registered_monitoring_services", out)
	if err != nil {
		return false, errors.Wrap(err, "unpack registration result")
	}
	registered, ok := res[0].(bool)
	if !ok {
		return false, errors.New("registration call returned a non-bool")
	}
	return registered, nil
}

// SubmitNonClosingProof disputes a stale close by submitting the higher-nonce
// balance proof from a stored monitor request. Returns once the transaction is
// mined, with an error if it reverted.
func (mc *MonitoringContract) SubmitNonClosingProof(ctx context.Context, mr *messages.MonitorRequest) (common.Hash, error) {
	reward := mr.RewardAmount
	if reward == nil {
		reward = new(big.Int)
	}
	var balanceHash, additionalHash [32]byte
	copy(balanceHash[:], mr.BalanceProof.BalanceHash.Bytes())
	copy(additionalHash[:], mr.BalanceProof.AdditionalHash.Bytes())
	data, err := monitoringABI.Pack(
		"updateNonClosingBalanceProof",
		new(big.Int).SetUint64(mr.BalanceProof.ChannelID),
		balanceHash,
		new(big.Int).SetUint64(mr.BalanceProof.Nonce),
		additionalHash,
		mr.BalanceProof.Signature,
		mr.NonClosingSignature,
		reward,
		mr.RewardProofSignature,
	)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "pack updateNonClosingBalanceProof")
	}
	return mc.submit(ctx, data)
}

// ClaimReward claims the monitoring reward for a settled channel.
func (mc *MonitoringContract) ClaimReward(ctx context.Context, channelID uint64, nonClosing common.Address) (common.Hash, error) {
	data, err := monitoringABI.Pack("claimReward", new(big.Int).SetUint64(channelID), nonClosing)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "pack claimReward")
	}
	return mc.submit(ctx, data)
}

// submit signs and sends one transaction and waits for its receipt.
func (mc *MonitoringContract) submit(ctx context.Context, data []byte) (common.Hash, error) {
	from := crypto.PubkeyToAddress(mc.key.PublicKey)
	nonce, err := mc.client.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "fetch account nonce")
	}
	gasPrice, err := mc.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "fetch gas price")
	}
	tx := types.NewTransaction(nonce, mc.address, new(big.Int), txGasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(mc.chainID), mc.key)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "sign transaction")
	}
	if err := mc.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, errors.Wrap(err, "send transaction")
	}
	receipt, err := mc.waitMined(ctx, signed.Hash())
	if err != nil {
		return signed.Hash(), err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return signed.Hash(), errors.Errorf("transaction %s reverted", signed.Hash().Hex())
	}
	return signed.Hash(), nil
}

func (mc *MonitoringContract) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	for {
		receipt, err := mc.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "wait for transaction %s", hash.Hex())
		case <-time.After(receiptInterval):
		}
	}
}

// ErrUndecodableClose marks a close transaction whose calldata cannot be
// interpreted as closeChannel arguments, for example a close routed through a
// different contract method. Permanent: refetching the transaction cannot
// help, so callers should not retry.
var ErrUndecodableClose = errors.New("close transaction calldata is not closeChannel")

// ExtractClosingProof rebuilds the closing party's balance proof from the
// calldata of the close transaction referenced by a ChannelClosed event.
// Failures to fetch the transaction are transient; every decode failure wraps
// ErrUndecodableClose.
func ExtractClosingProof(ctx context.Context, client Client, ev ConfirmedEvent, chainID int64) (*messages.BalanceProof, error) {
	tx, _, err := client.TransactionByHash(ctx, ev.TxHash)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch close transaction %s", ev.TxHash.Hex())
	}
	method := tokenNetABI.Methods["closeChannel"]
	calldata := tx.Data()
	if len(calldata) < 4 {
		return nil, errors.Wrap(ErrUndecodableClose, "transaction has no calldata")
	}
	if !bytes.Equal(calldata[:4], method.ID) {
		return nil, errors.Wrapf(ErrUndecodableClose, "unexpected method selector %x", calldata[:4])
	}
	args, err := method.Inputs.Unpack(calldata[4:])
	if err != nil {
		return nil, errors.Wrapf(ErrUndecodableClose, "unpack arguments: %s", err.Error())
	}
	if len(args) != 5 {
		return nil, errors.Wrapf(ErrUndecodableClose, "%d arguments", len(args))
	}
	channelID, ok := args[0].(*big.Int)
	if !ok {
		return nil, errors.Wrap(ErrUndecodableClose, "channel identifier is not uint256")
	}
	balanceHash, ok := args[1].([32]byte)
	if !ok {
		return nil, errors.Wrap(ErrUndecodableClose, "balance hash is not bytes32")
	}
	nonce, ok := args[2].(*big.Int)
	if !ok {
		return nil, errors.Wrap(ErrUndecodableClose, "nonce is not uint256")
	}
	additionalHash, ok := args[3].([32]byte)
	if !ok {
		return nil, errors.Wrap(ErrUndecodableClose, "additional hash is not bytes32")
	}
	signature, ok := args[4].([]byte)
	if !ok {
		return nil, errors.Wrap(ErrUndecodableClose, "signature is not bytes")
	}
	return &messages.BalanceProof{
		ChannelID:      channelID.Uint64(),
		TokenNetwork:   ev.Address,
		BalanceHash:    common.Hash(balanceHash),
		Nonce:          nonce.Uint64(),
		AdditionalHash: common.Hash(additionalHash),
		ChainID:        chainID,
		Signature:      signature,
	}, nil
}

// PackCloseChannel builds closeChannel calldata from a balance proof. Used by
// tests and tooling to fabricate close transactions.
func PackCloseChannel(bp *messages.BalanceProof) ([]byte, error) {
	var balanceHash, additionalHash [32]byte
	copy(balanceHash[:], bp.BalanceHash.Bytes())
	copy(additionalHash[:], bp.AdditionalHash.Bytes())
	return tokenNetABI.Pack(
		"closeChannel",
		new(big.Int).SetUint64(bp.ChannelID),
		balanceHash,
		new(big.Int).SetUint64(bp.Nonce),
		additionalHash,
		bp.Signature,
	)
}
