package infra

import (
	"github.com/osdi23p228/fabric-protos-go/peer"
	"github.com/pkg/errors"
)

// Integrator assembles endorsed proposals into signed envelopes
type Integrator struct {
	signer SignerSerializer
}

func NewIntegrator(signer SignerSerializer) *Integrator {
	return &Integrator{signer: signer}
}

// Integrate builds the element's envelope out of every successful endorsement
func (it *Integrator) Integrate(e *Element, set *ResponseSet) error {
	envelope, err := CreateSignedTx(e.Proposal, it.signer, proposalResponses(set.Successful))
	if err != nil {
		return errors.WithMessagef(err, "fail to assemble transaction %s", e.Txid)
	}
	e.Envelope = envelope
	return nil
}

func proposalResponses(responses []*EndorsementResponse) []*peer.ProposalResponse {
	raws := make([]*peer.ProposalResponse, 0, len(responses))
	for _, r := range responses {
		if r.Raw != nil {
			raws = append(raws, r.Raw)
		}
	}
	return raws
}
