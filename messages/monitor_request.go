package messages

import (
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// MonitorRequest is a participant's pre-signed delegation authorizing the
// service to dispute a stale close on their behalf, in exchange for a reward.
// Keyed by (channel id, non-closing participant); a newer request for the same
// pair supersedes the older one.
type MonitorRequest struct {
	BalanceProof         BalanceProof   `json:"balance_proof"`
	NonClosingSignature  []byte         `json:"non_closing_signature"`
	RewardProofSignature []byte         `json:"reward_proof_signature"`
	RewardAmount         *big.Int       `json:"reward_amount"`
	MonitorAddress       common.Address `json:"monitor_address"`
}

// NonClosingSigner recovers the protected participant from the non-closing
// signature over the balance proof digest.
func (mr *MonitorRequest) NonClosingSigner() (common.Address, error) {
	return recoverAddress(mr.BalanceProof.SigningData(), mr.NonClosingSignature)
}

// RewardSigningData is the digest covered by the reward proof signature:
// channel id, reward amount, monitor address.
func (mr *MonitorRequest) RewardSigningData() common.Hash {
	amount := mr.RewardAmount
	if amount == nil {
		amount = new(big.Int)
	}
	buf := make([]byte, 0, 8+32+20)
	buf = appendUint64(buf, mr.BalanceProof.ChannelID)
	buf = append(buf, common.BigToHash(amount).Bytes()...)
	buf = append(buf, mr.MonitorAddress.Bytes()...)
	return crypto.Keccak256Hash(buf)
}

// RewardSigner recovers the address that signed the reward terms.
func (mr *MonitorRequest) RewardSigner() (common.Address, error) {
	return recoverAddress(mr.RewardSigningData(), mr.RewardProofSignature)
}

// Verify checks that all signatures are present and recover to consistent
// addresses: the non-closing signature and the reward proof must be made by
// the same participant.
func (mr *MonitorRequest) Verify() error {
	if len(mr.BalanceProof.Signature) == 0 {
		return errors.New("missing balance proof signature")
	}
	if _, err := mr.BalanceProof.Signer(); err != nil {
		return errors.Wrap(err, "balance proof signature")
	}
	nonClosing, err := mr.NonClosingSigner()
	if err != nil {
		return errors.Wrap(err, "non-closing signature")
	}
	rewardSigner, err := mr.RewardSigner()
	if err != nil {
		return errors.Wrap(err, "reward proof signature")
	}
	if nonClosing != rewardSigner {
		return errors.Errorf("reward proof signer %s does not match non-closing participant %s",
			rewardSigner.Hex(), nonClosing.Hex())
	}
	return nil
}

// Message kinds carried over the transport.
const (
	KindMonitorRequest = "MonitorRequest"
)

// Envelope wraps a transport message with its kind tag.
type Envelope struct {
	Kind    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// DecodeEnvelope parses a raw transport frame.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(err, "decode message envelope")
	}
	return &env, nil
}

// DecodeMonitorRequest parses an envelope payload of kind MonitorRequest.
func DecodeMonitorRequest(payload []byte) (*MonitorRequest, error) {
	var mr MonitorRequest
	if err := json.Unmarshal(payload, &mr); err != nil {
		return nil, errors.Wrap(err, "decode monitor request")
	}
	return &mr, nil
}
