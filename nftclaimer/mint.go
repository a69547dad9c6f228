package nftclaimer

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	sidekick "github.com/snapshot-labs/sidekick"
)

// MintRequest asks for a signed mint of a proposal NFT.
type MintRequest struct {
	ProposalAuthor string `json:"proposalAuthor"`
	// Address receives the minted token.
	Address string `json:"address"`
	// ID is the proposal id.
	ID   string `json:"id"`
	Salt BigInt `json:"salt"`
	// Collection is the deployed space collection contract.
	Collection string `json:"collection"`
}

// MintPayload is what the collection's mint call needs.
type MintPayload struct {
	Proposer   string    `json:"proposer"`
	Recipient  string    `json:"recipient"`
	ProposalID string    `json:"proposalId"`
	Salt       string    `json:"salt"`
	ABI        string    `json:"abi"`
	Signature  Signature `json:"signature"`
}

// Mint checks the proposal and its author and returns the signed mint
// authorization.
func (s *Signer) Mint(ctx context.Context, req MintRequest) (*MintPayload, error) {
	proposer, err := parseAddress("proposalAuthor", req.ProposalAuthor)
	if err != nil {
		return nil, err
	}
	recipient, err := parseAddress("address", req.Address)
	if err != nil {
		return nil, err
	}
	collection, err := parseAddress("collection", req.Collection)
	if err != nil {
		return nil, err
	}
	if req.Salt.Int == nil || req.Salt.Sign() < 0 {
		return nil, invalid("invalid salt")
	}
	proposalID, ok := math.ParseBig256(req.ID)
	if !ok {
		return nil, invalid("invalid proposal id %q", req.ID)
	}

	proposal, err := s.source.FetchProposal(ctx, req.ID)
	if err != nil {
		return nil, upstreamError("proposal", req.ID, err)
	}
	if !common.IsHexAddress(proposal.Author) || common.HexToAddress(proposal.Author) != proposer {
		return nil, invalid("proposal author mismatch")
	}

	td := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			"Mint": {
				{Name: "proposer", Type: "address"},
				{Name: "recipient", Type: "address"},
				{Name: "proposalId", Type: "uint256"},
				{Name: "salt", Type: "uint256"},
			},
		},
		PrimaryType: "Mint",
		Domain:      s.domain("SpaceCollection", collection),
		Message: apitypes.TypedDataMessage{
			"proposer":   proposer.Hex(),
			"recipient":  recipient.Hex(),
			"proposalId": proposalID.String(),
			"salt":       req.Salt.String(),
		},
	}
	sig, err := s.sign(td)
	if err != nil {
		return nil, sidekick.Wrap(sidekick.ReasonInternalError, fmt.Errorf("mint %s: %w", req.ID, err))
	}

	s.logger.Debug("signed mint", "proposal", req.ID, "recipient", recipient.Hex())

	return &MintPayload{
		Proposer:   proposer.Hex(),
		Recipient:  recipient.Hex(),
		ProposalID: proposalID.String(),
		Salt:       req.Salt.String(),
		ABI:        s.collectionABI.Methods["mint"].String(),
		Signature:  sig,
	}, nil
}
