// Package nftclaimer signs the EIP-712 payloads that authorize deploying a
// space's NFT collection and minting proposal NFTs from it.
package nftclaimer

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	sidekick "github.com/snapshot-labs/sidekick"
	"github.com/snapshot-labs/sidekick/hub"
)

// Source looks up the spaces and proposals payloads are signed for.
type Source interface {
	FetchSpace(ctx context.Context, id string) (*hub.Space, error)
	FetchProposal(ctx context.Context, id string) (*hub.Proposal, error)
}

// Config holds the signer key and the deployed contracts.
type Config struct {
	// PrivateKey is the hex-encoded secp256k1 key, with or without 0x.
	PrivateKey string
	ChainID    int64
	// VerifyingContract is the collection factory.
	VerifyingContract string
	// ImplementationAddress is the collection implementation proxied by
	// every deployed collection.
	ImplementationAddress string
	// InitializeSelector replaces the selector of the encoded initialize
	// call.
	InitializeSelector string
}

// Signer produces signed deploy and mint payloads.
type Signer struct {
	key            *ecdsa.PrivateKey
	address        common.Address
	chainID        int64
	verifying      common.Address
	implementation common.Address
	selector       []byte

	collectionABI abi.ABI
	factoryABI    abi.ABI

	source Source
	logger *slog.Logger
}

// Option configures a Signer.
type Option func(*Signer)

// WithLogger sets the logger for the signer.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Signer) {
		s.logger = logger
	}
}

// New validates cfg and creates a signer.
func New(cfg Config, src Source, opts ...Option) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	if cfg.ChainID <= 0 {
		return nil, fmt.Errorf("invalid chain id %d", cfg.ChainID)
	}
	verifying, err := parseAddress("verifying contract", cfg.VerifyingContract)
	if err != nil {
		return nil, err
	}
	implementation, err := parseAddress("implementation address", cfg.ImplementationAddress)
	if err != nil {
		return nil, err
	}
	selector, err := hexutil.Decode(cfg.InitializeSelector)
	if err != nil || len(selector) != 4 {
		return nil, fmt.Errorf("invalid initialize selector %q", cfg.InitializeSelector)
	}

	collectionABI, err := abi.JSON(strings.NewReader(spaceCollectionABI))
	if err != nil {
		return nil, fmt.Errorf("parsing collection abi: %w", err)
	}
	factoryABI, err := abi.JSON(strings.NewReader(spaceFactoryABI))
	if err != nil {
		return nil, fmt.Errorf("parsing factory abi: %w", err)
	}

	s := &Signer{
		key:            key,
		address:        crypto.PubkeyToAddress(key.PublicKey),
		chainID:        cfg.ChainID,
		verifying:      verifying,
		implementation: implementation,
		selector:       selector,
		collectionABI:  collectionABI,
		factoryABI:     factoryABI,
		source:         src,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Address returns the signer's address.
func (s *Signer) Address() common.Address {
	return s.address
}

// Signature is a split secp256k1 signature.
type Signature struct {
	R string `json:"r"`
	S string `json:"s"`
	V uint8  `json:"v"`
}

// sign hashes typed data per EIP-712 and signs the digest.
func (s *Signer) sign(td apitypes.TypedData) (Signature, error) {
	hash, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return Signature{}, fmt.Errorf("hashing typed data: %w", err)
	}
	sig, err := crypto.Sign(hash, s.key)
	if err != nil {
		return Signature{}, fmt.Errorf("signing: %w", err)
	}
	return Signature{
		R: hexutil.Encode(sig[:32]),
		S: hexutil.Encode(sig[32:64]),
		V: sig[64] + 27,
	}, nil
}

func (s *Signer) domain(name string, verifying common.Address) apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              name,
		Version:           "0.1",
		ChainId:           math.NewHexOrDecimal256(s.chainID),
		VerifyingContract: verifying.Hex(),
	}
}

var domainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

// BigInt is an integer that decodes from a JSON number or string, decimal
// or 0x-prefixed hex.
type BigInt struct {
	*big.Int
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *BigInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		b.Int = nil
		return nil
	}
	var s string
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	} else {
		s = string(data)
	}
	v, ok := math.ParseBig256(s)
	if !ok {
		return fmt.Errorf("invalid integer %q", s)
	}
	b.Int = v
	return nil
}

// MarshalJSON renders the integer as a decimal string.
func (b BigInt) MarshalJSON() ([]byte, error) {
	if b.Int == nil {
		return []byte("null"), nil
	}
	return json.Marshal(b.String())
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, sidekick.Wrap(sidekick.ReasonInvalidRequest, fmt.Errorf("invalid %s %q", field, s))
	}
	return common.HexToAddress(s), nil
}

func invalid(format string, args ...any) error {
	return sidekick.Wrap(sidekick.ReasonInvalidRequest, fmt.Errorf(format, args...))
}

func upstreamError(kind, id string, err error) error {
	if errors.Is(err, hub.ErrNotFound) {
		return sidekick.Wrap(sidekick.ReasonEntryNotFound, fmt.Errorf("%s %s: %w", kind, id, err))
	}
	return sidekick.Wrap(sidekick.ReasonInternalError, err)
}
