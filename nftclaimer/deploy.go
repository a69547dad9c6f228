package nftclaimer

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	sidekick "github.com/snapshot-labs/sidekick"
)

const collectionVersion = "0.1"

var maxUint128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// DeployRequest asks for a signed deployment of a space collection.
type DeployRequest struct {
	// Address is the space owner requesting the deployment.
	Address       string `json:"address"`
	ID            string `json:"id"`
	Salt          BigInt `json:"salt"`
	MaxSupply     BigInt `json:"maxSupply"`
	MintPrice     BigInt `json:"mintPrice"`
	SpaceTreasury string `json:"spaceTreasury"`
	ProposerFee   int    `json:"proposerFee"`
}

// DeployPayload is what the factory's deployProxy call needs.
type DeployPayload struct {
	Initializer       string    `json:"initializer"`
	Salt              string    `json:"salt"`
	ABI               string    `json:"abi"`
	VerifyingContract string    `json:"verifyingContract"`
	Implementation    string    `json:"implementation"`
	Signature         Signature `json:"signature"`
}

func (r DeployRequest) validate() (owner, treasury common.Address, err error) {
	if strings.TrimSpace(r.ID) == "" {
		return owner, treasury, invalid("missing space id")
	}
	if r.ProposerFee < 0 || r.ProposerFee > 100 {
		return owner, treasury, invalid("proposerFee should be between 0 and 100")
	}
	if owner, err = parseAddress("address", r.Address); err != nil {
		return owner, treasury, err
	}
	if treasury, err = parseAddress("spaceTreasury", r.SpaceTreasury); err != nil {
		return owner, treasury, err
	}
	if r.Salt.Int == nil || r.Salt.Sign() < 0 {
		return owner, treasury, invalid("invalid salt")
	}
	if r.MaxSupply.Int == nil || r.MaxSupply.Sign() < 0 || r.MaxSupply.Cmp(maxUint128) > 0 {
		return owner, treasury, invalid("invalid maxSupply")
	}
	if r.MintPrice.Int == nil || r.MintPrice.Sign() < 0 {
		return owner, treasury, invalid("invalid mintPrice")
	}
	return owner, treasury, nil
}

// Deploy checks that the requester administers the space and returns the
// signed initializer for the collection proxy.
func (s *Signer) Deploy(ctx context.Context, req DeployRequest) (*DeployPayload, error) {
	owner, treasury, err := req.validate()
	if err != nil {
		return nil, err
	}

	space, err := s.source.FetchSpace(ctx, req.ID)
	if err != nil {
		return nil, upstreamError("space", req.ID, err)
	}
	if !isAdmin(space.Admins, owner) {
		return nil, sidekick.Wrap(sidekick.ReasonUnauthorized, fmt.Errorf("%s is not an admin of %s", owner.Hex(), req.ID))
	}

	initializer, err := s.initializer(req, owner, treasury)
	if err != nil {
		return nil, sidekick.Wrap(sidekick.ReasonInternalError, err)
	}

	td := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			"Deploy": {
				{Name: "implementation", Type: "address"},
				{Name: "initializer", Type: "bytes"},
				{Name: "salt", Type: "uint256"},
			},
		},
		PrimaryType: "Deploy",
		Domain:      s.domain("SpaceCollectionFactory", s.verifying),
		Message: apitypes.TypedDataMessage{
			"implementation": s.implementation.Hex(),
			"initializer":    initializer,
			"salt":           req.Salt.String(),
		},
	}
	sig, err := s.sign(td)
	if err != nil {
		return nil, sidekick.Wrap(sidekick.ReasonInternalError, err)
	}

	s.logger.Info("signed collection deployment", "space", req.ID, "owner", owner.Hex())

	return &DeployPayload{
		Initializer:       hexutil.Encode(initializer),
		Salt:              req.Salt.String(),
		ABI:               s.factoryABI.Methods["deployProxy"].String(),
		VerifyingContract: s.verifying.Hex(),
		Implementation:    s.implementation.Hex(),
		Signature:         sig,
	}, nil
}

// initializer encodes the collection's initialize call under the
// configured selector.
func (s *Signer) initializer(req DeployRequest, owner, treasury common.Address) ([]byte, error) {
	data, err := s.collectionABI.Pack("initialize",
		req.ID,
		collectionVersion,
		req.MaxSupply.Int,
		req.MintPrice.Int,
		uint8(req.ProposerFee),
		treasury,
		owner,
	)
	if err != nil {
		return nil, fmt.Errorf("encoding initializer: %w", err)
	}
	copy(data[:4], s.selector)
	return data, nil
}

func isAdmin(admins []string, addr common.Address) bool {
	for _, a := range admins {
		if common.IsHexAddress(a) && common.HexToAddress(a) == addr {
			return true
		}
	}
	return false
}
