package infra

import (
	"github.com/pkg/errors"
)

type Signer struct {
	identity SignerSerializer
}

func NewSigner(identity SignerSerializer) *Signer {
	return &Signer{identity: identity}
}

// SignElement signs a transaction with the session's identity
func (s *Signer) SignElement(e *Element) error {
	signedProposal, err := SignProposal(e.Proposal, s.identity)
	if err != nil {
		return errors.WithMessagef(err, "fail to sign transaction %s", e.Txid)
	}
	e.SignedProposal = signedProposal

	return nil
}
