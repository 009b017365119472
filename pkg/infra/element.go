package infra

import (
	"fmt"

	"github.com/osdi23p228/fabric-protos-go/common"
	"github.com/osdi23p228/fabric-protos-go/peer"
)

// Phase is one round of the pipeline
type Phase int

const (
	PhaseSetup Phase = iota // configuration and connection set-up, before any proposal
	PhaseDeploy
	PhaseInvoke
	PhaseQuery
)

func (p Phase) String() string {
	switch p {
	case PhaseSetup:
		return "setup"
	case PhaseDeploy:
		return "deploy"
	case PhaseInvoke:
		return "invoke"
	case PhaseQuery:
		return "query"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Status of a single endorsement
type Status int

const (
	StatusSuccess Status = iota
	StatusFailure
)

func (s Status) String() string {
	if s == StatusSuccess {
		return "SUCCESS"
	}
	return "FAILURE"
}

// ChaincodeID identifies deployed chaincode. It is produced by the deploy
// phase and copied forward into invoke and query.
type ChaincodeID struct {
	Name    string
	Path    string
	Version string
}

func (id ChaincodeID) String() string {
	return fmt.Sprintf("%s:%s", id.Name, id.Version)
}

func (id ChaincodeID) proto() *peer.ChaincodeID {
	return &peer.ChaincodeID{Name: id.Name, Path: id.Path, Version: id.Version}
}

// DeploymentSpec describes the chaincode a deploy proposal installs
type DeploymentSpec struct {
	Name    string
	Path    string
	Version string
}

// ProposalRequest is what a phase asks the peers to endorse
type ProposalRequest struct {
	Phase       Phase
	ChaincodeID *ChaincodeID    // nil for deploy
	Deployment  *DeploymentSpec // deploy only
	Fcn         string
	Args        []string
}

// EndorsementResponse is one peer's answer to a proposal. Transport failures
// are folded in as StatusFailure with the error text as Message.
type EndorsementResponse struct {
	Endpoint    string
	Status      Status
	Payload     []byte
	Message     string
	ChaincodeID *ChaincodeID // deploy success only
	Raw         *peer.ProposalResponse
}

// ResponseSet partitions a phase's responses by status
type ResponseSet struct {
	Successful []*EndorsementResponse
	Failed     []*EndorsementResponse
}

// CommitResult is the ledger's confirmation of a submitted transaction
type CommitResult struct {
	TxID           string
	BlockNumber    uint64
	ValidationCode peer.TxValidationCode
}

// Element contains the data for the whole lifecycle of one phase's transaction
type Element struct {
	Phase          Phase
	Request        ProposalRequest
	Proposal       *peer.Proposal
	SignedProposal *peer.SignedProposal
	Responses      []*EndorsementResponse
	Envelope       *common.Envelope
	Txid           string
}

