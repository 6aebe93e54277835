package messages

import (
	"encoding/binary"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// BalanceProof is a signed claim of a channel's balance state at a point in
// nonce-ordered time. Immutable once constructed.
type BalanceProof struct {
	ChannelID      uint64         `json:"channel_identifier"`
	TokenNetwork   common.Address `json:"token_network_address"`
	BalanceHash    common.Hash    `json:"balance_hash"`
	Nonce          uint64         `json:"nonce"`
	AdditionalHash common.Hash    `json:"additional_hash"`
	ChainID        int64          `json:"chain_id"`
	Signature      []byte         `json:"signature"`
}

// SigningData returns the keccak256 digest the balance proof signature covers:
// token network address, channel id, balance hash, nonce, additional hash, chain id.
func (bp *BalanceProof) SigningData() common.Hash {
	buf := make([]byte, 0, 20+8+32+8+32+32)
	buf = append(buf, bp.TokenNetwork.Bytes()...)
	buf = appendUint64(buf, bp.ChannelID)
	buf = append(buf, bp.BalanceHash.Bytes()...)
	buf = appendUint64(buf, bp.Nonce)
	buf = append(buf, bp.AdditionalHash.Bytes()...)
	buf = append(buf, common.BigToHash(big.NewInt(bp.ChainID)).Bytes()...)
	return crypto.Keccak256Hash(buf)
}

// Sign signs the proof with the given key, replacing any previous signature.
func (bp *BalanceProof) Sign(keyHex string) error {
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return errors.Wrap(err, "parse private key")
	}
	sig, err := crypto.Sign(bp.SigningData().Bytes(), key)
	if err != nil {
		return errors.Wrap(err, "sign balance proof")
	}
	bp.Signature = sig
	return nil
}

// Signer recovers the address that signed the proof.
func (bp *BalanceProof) Signer() (common.Address, error) {
	return recoverAddress(bp.SigningData(), bp.Signature)
}

func recoverAddress(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, errors.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return common.Address{}, errors.Wrap(err, "recover signer")
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}
