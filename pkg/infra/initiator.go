package infra

import (
	"github.com/pkg/errors"
)

// Initiator turns the per-phase requests of a run into unsigned transactions
type Initiator struct {
	channel string
	creator SignerSerializer
}

func NewInitiator(channel string, creator SignerSerializer) *Initiator {
	return &Initiator{
		channel: channel,
		creator: creator,
	}
}

// Initiate creates the proposal and transaction id of one phase
func (it *Initiator) Initiate(req ProposalRequest) (*Element, error) {
	creator, err := it.creator.Serialize()
	if err != nil {
		return nil, errors.Wrap(err, "fail to serialize creator")
	}

	proposal, txid, err := CreateProposal(it.channel, req, creator)
	if err != nil {
		return nil, errors.WithMessagef(err, "fail to create %s proposal", req.Phase)
	}

	return &Element{
		Phase:    req.Phase,
		Request:  req,
		Proposal: proposal,
		Txid:     txid,
	}, nil
}
