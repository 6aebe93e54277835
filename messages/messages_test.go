package messages

import (
	"encoding/hex"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func newKeyHex(t *testing.T) string {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return hex.EncodeToString(crypto.FromECDSA(key))
}

func addressOf(t *testing.T, keyHex string) common.Address {
	key, err := crypto.HexToECDSA(keyHex)
	require.NoError(t, err)
	return crypto.PubkeyToAddress(key.PublicKey)
}

func TestBalanceProofSignRecover(t *testing.T) {
	keyHex := newKeyHex(t)
	bp := &BalanceProof{
		ChannelID:      7,
		TokenNetwork:   common.HexToAddress("0x1111111111111111111111111111111111111111"),
		BalanceHash:    common.HexToHash("0xaa"),
		Nonce:          3,
		AdditionalHash: common.HexToHash("0xbb"),
		ChainID:        1337,
	}
	require.NoError(t, bp.Sign(keyHex))
	signer, err := bp.Signer()
	require.NoError(t, err)
	require.Equal(t, addressOf(t, keyHex), signer)
}

func TestBalanceProofDigestBindsFields(t *testing.T) {
	a := &BalanceProof{ChannelID: 1, Nonce: 1, ChainID: 1}
	b := &BalanceProof{ChannelID: 1, Nonce: 2, ChainID: 1}
	c := &BalanceProof{ChannelID: 2, Nonce: 1, ChainID: 1}
	require.NotEqual(t, a.SigningData(), b.SigningData())
	require.NotEqual(t, a.SigningData(), c.SigningData())
}

func TestBalanceProofRecoverBadSignature(t *testing.T) {
	bp := &BalanceProof{ChannelID: 1, Signature: []byte{1, 2, 3}}
	_, err := bp.Signer()
	require.Error(t, err)
}

func signedRequest(t *testing.T, participantKey, partnerKey string, channelID, nonce uint64) *MonitorRequest {
	bp := BalanceProof{
		ChannelID:    channelID,
		TokenNetwork: common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Nonce:        nonce,
		ChainID:      1337,
	}
	require.NoError(t, bp.Sign(partnerKey))
	mr := &MonitorRequest{
		BalanceProof:   bp,
		RewardAmount:   big.NewInt(42),
		MonitorAddress: common.HexToAddress("0x3333333333333333333333333333333333333333"),
	}
	key, err := crypto.HexToECDSA(participantKey)
	require.NoError(t, err)
	mr.NonClosingSignature, err = crypto.Sign(bp.SigningData().Bytes(), key)
	require.NoError(t, err)
	mr.RewardProofSignature, err = crypto.Sign(mr.RewardSigningData().Bytes(), key)
	require.NoError(t, err)
	return mr
}

func TestMonitorRequestVerify(t *testing.T) {
	participant := newKeyHex(t)
	partner := newKeyHex(t)
	mr := signedRequest(t, participant, partner, 1, 5)
	require.NoError(t, mr.Verify())

	signer, err := mr.NonClosingSigner()
	require.NoError(t, err)
	require.Equal(t, addressOf(t, participant), signer)
}

func TestMonitorRequestVerifyRejectsForeignRewardProof(t *testing.T) {
	participant := newKeyHex(t)
	partner := newKeyHex(t)
	other := newKeyHex(t)
	mr := signedRequest(t, participant, partner, 1, 5)

	// reward terms signed by someone other than the protected participant
	key, err := crypto.HexToECDSA(other)
	require.NoError(t, err)
	mr.RewardProofSignature, err = crypto.Sign(mr.RewardSigningData().Bytes(), key)
	require.NoError(t, err)
	require.Error(t, mr.Verify())
}

func TestMonitorRequestVerifyMissingSignature(t *testing.T) {
	mr := &MonitorRequest{}
	require.Error(t, mr.Verify())
}

func TestEnvelopeRoundTrip(t *testing.T) {
	participant := newKeyHex(t)
	partner := newKeyHex(t)
	mr := signedRequest(t, participant, partner, 9, 2)

	payload, err := json.Marshal(mr)
	require.NoError(t, err)
	frame, err := json.Marshal(Envelope{Kind: KindMonitorRequest, Payload: payload})
	require.NoError(t, err)

	env, err := DecodeEnvelope(frame)
	require.NoError(t, err)
	require.Equal(t, KindMonitorRequest, env.Kind)

	decoded, err := DecodeMonitorRequest(env.Payload)
	require.NoError(t, err)
	require.Equal(t, mr.BalanceProof.ChannelID, decoded.BalanceProof.ChannelID)
	require.Equal(t, mr.BalanceProof.Nonce, decoded.BalanceProof.Nonce)
	require.NoError(t, decoded.Verify())
}
