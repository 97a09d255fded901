package hyperliquid

import (
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/vmihailenco/msgpack/v5"
)

// The venue verifies L1 actions against an EIP-712 "phantom agent"
// whose connectionId commits to the action bytes. The domain is fixed;
// mainnet and testnet differ only in the agent source.
const (
	agentSourceMainnet = "a"
	agentSourceTestnet = "b"
	signingChainID     = 1337
)

// Signer produces exchange-action signatures for one wallet key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	source  string
}

// NewSigner parses a hex private key, with or without 0x prefix.
func NewSigner(privateKeyHex string, testnet bool) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	source := agentSourceMainnet
	if testnet {
		source = agentSourceTestnet
	}
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		source:  source,
	}, nil
}

// Address returns the wallet address derived from the signing key.
func (s *Signer) Address() common.Address { return s.address }

// SignAction signs one exchange action. The signature covers the exact
// msgpack encoding of the action plus the nonce and optional vault, so
// the action struct sent on the wire must be the one signed here.
func (s *Signer) SignAction(action interface{}, vaultAddress string, nonce int64) (rsvSignature, error) {
	connectionID, err := actionHash(action, vaultAddress, nonce)
	if err != nil {
		return rsvSignature{}, err
	}
	digest, _, err := apitypes.TypedDataAndHash(agentTypedData(s.source, connectionID))
	if err != nil {
		return rsvSignature{}, fmt.Errorf("hash agent payload: %w", err)
	}
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return rsvSignature{}, fmt.Errorf("sign action: %w", err)
	}
	return rsvSignature{
		R: hexutil.Encode(sig[:32]),
		S: hexutil.Encode(sig[32:64]),
		V: sig[64] + 27,
	}, nil
}

// actionHash builds the connectionId: keccak256 of the msgpack action,
// the nonce as 8 big-endian bytes, then 0x00, or 0x01 and the vault
// address when trading for a vault.
func actionHash(action interface{}, vaultAddress string, nonce int64) (common.Hash, error) {
	packed, err := msgpack.Marshal(action)
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode action: %w", err)
	}
	data := make([]byte, 0, len(packed)+29)
	data = append(data, packed...)
	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], uint64(nonce))
	data = append(data, nonceBytes[:]...)
	if vaultAddress == "" {
		data = append(data, 0x00)
	} else {
		data = append(data, 0x01)
		data = append(data, common.HexToAddress(vaultAddress).Bytes()...)
	}
	return crypto.Keccak256Hash(data), nil
}

func agentTypedData(source string, connectionID common.Hash) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Agent": {
				{Name: "source", Type: "string"},
				{Name: "connectionId", Type: "bytes32"},
			},
		},
		PrimaryType: "Agent",
		Domain: apitypes.TypedDataDomain{
			Name:              "Exchange",
			Version:           "1",
			ChainId:           math.NewHexOrDecimal256(signingChainID),
			VerifyingContract: "0x0000000000000000000000000000000000000000",
		},
		Message: apitypes.TypedDataMessage{
			"source":       source,
			"connectionId": connectionID.Hex(),
		},
	}
}
