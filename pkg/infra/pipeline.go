package infra

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// State of a pipeline run
type State int

const (
	StateInit State = iota
	StateDeployed
	StateInvoked
	StateQueried
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateDeployed:
		return "Deployed"
	case StateInvoked:
		return "Invoked"
	case StateQueried:
		return "Queried"
	case StateDone:
		return "Done"
	case StateFailed:
		return "Failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Phase outputs, handed forward by value
type deployed struct {
	chaincodeID ChaincodeID
	commit      CommitResult
}

type invoked struct {
	deployed
	commit CommitResult
}

type queried struct {
	invoked
	payload []byte
}

// Result is what a successful run produces
type Result struct {
	ChaincodeID ChaincodeID
	Deploy      CommitResult
	Invoke      CommitResult
	Payload     []byte
}

// PipelineDeps are the collaborators a pipeline drives
type PipelineDeps struct {
	Endorsers   []*Endorser
	Identity    SignerSerializer
	Orderers    []OrdererClient
	Observer    CommitObserver
	Logger      *log.Logger
	Metrics     *Metrics
	TimeKeepers *TimeKeepers
}

// Pipeline runs deploy, invoke and query one after the other. A phase starts
// only once the previous one is committed; the first error ends the run
// without any rollback.
type Pipeline struct {
	config    *Config
	endorsers []*Endorser
	initiator *Initiator
	signer    *Signer
	proposers *Proposers
	submitter *Submitter
	logger    *log.Logger
	metrics   *Metrics
	states    []State
}

func NewPipeline(c *Config, deps PipelineDeps) *Pipeline {
	return &Pipeline{
		config:    c,
		endorsers: deps.Endorsers,
		initiator: NewInitiator(c.Channel, deps.Identity),
		signer:    NewSigner(deps.Identity),
		proposers: NewProposers(c.Endorsement.Timeout, deps.Logger, deps.Metrics, deps.TimeKeepers),
		submitter: NewSubmitter(deps.Orderers, deps.Observer, NewIntegrator(deps.Identity), deps.Logger, deps.Metrics, deps.TimeKeepers),
		logger:    deps.Logger,
		metrics:   deps.Metrics,
	}
}

// States returns the states visited by the last run, in order
func (p *Pipeline) States() []State {
	states := make([]State, len(p.states))
	copy(states, p.states)
	return states
}

func (p *Pipeline) enter(s State) {
	p.states = append(p.states, s)
	p.logger.Debugf("Pipeline state: %s", s)
}

// Run drives the state machine to Done or Failed within the configured
// end-to-end timeout
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	p.states = nil
	p.enter(StateInit)

	state := StateInit
	var (
		d   deployed
		i   invoked
		q   queried
		err error
	)
	for {
		switch state {
		case StateInit:
			d, err = p.deploy(ctx)
			state = StateDeployed
		case StateDeployed:
			i, err = p.invoke(ctx, d)
			state = StateInvoked
		case StateInvoked:
			q, err = p.query(ctx, i)
			state = StateQueried
		case StateQueried:
			state = StateDone
		case StateDone:
			return &Result{
				ChaincodeID: q.chaincodeID,
				Deploy:      q.deployed.commit,
				Invoke:      q.invoked.commit,
				Payload:     q.payload,
			}, nil
		}

		if err != nil {
			p.enter(StateFailed)
			p.metrics.AddFailure(err)
			return nil, err
		}
		p.enter(state)
	}
}

// endorse runs the broadcast and quorum steps shared by every phase
func (p *Pipeline) endorse(ctx context.Context, req ProposalRequest) (*Element, *ResponseSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, wrapPipelineError(err, req.Phase, PipelineTimeout, "before sending proposal")
	}

	e, err := p.initiator.Initiate(req)
	if err != nil {
		return nil, nil, wrapPipelineError(err, req.Phase, CommitFailure, "cannot create proposal")
	}
	if err := p.signer.SignElement(e); err != nil {
		return nil, nil, wrapPipelineError(err, req.Phase, CommitFailure, "cannot sign proposal")
	}

	logger := p.logger.WithFields(log.Fields{"phase": req.Phase, "txid": e.Txid})
	logger.Infof("Sending %s proposal to %d peers", req.Phase, len(p.endorsers))

	responses, err := p.proposers.Broadcast(ctx, e, p.endorsers)
	if err != nil {
		return nil, nil, err
	}

	set, err := Evaluate(req.Phase, responses, p.config.Endorsement.MinimumSuccess)
	if err != nil {
		return nil, nil, err
	}
	logger.Infof("Received %d %s proposal responses. Successful: %d. Failed: %d",
		len(responses), req.Phase, len(set.Successful), len(set.Failed))

	return e, set, nil
}

func (p *Pipeline) deploy(ctx context.Context) (deployed, error) {
	start := time.Now()
	req := ProposalRequest{
		Phase: PhaseDeploy,
		Deployment: &DeploymentSpec{
			Name:    p.config.Chaincode.Name,
			Path:    p.config.Chaincode.Path,
			Version: p.config.Chaincode.Version,
		},
		Fcn:  p.config.Deploy.Fcn,
		Args: p.config.Deploy.Args,
	}

	e, set, err := p.endorse(ctx, req)
	if err != nil {
		return deployed{}, err
	}

	chaincodeID, err := deployedChaincodeID(set)
	if err != nil {
		return deployed{}, err
	}

	commit, err := p.submitter.Submit(ctx, e, set, p.config.Deploy.WaitTime)
	if err != nil {
		return deployed{}, err
	}

	p.logger.Infof("Successfully deployed chaincode %s", chaincodeID)
	p.metrics.ObservePhase(PhaseDeploy, time.Since(start))
	return deployed{chaincodeID: chaincodeID, commit: *commit}, nil
}

// deployedChaincodeID takes the chaincode id from the first successful
// deploy response to arrive
func deployedChaincodeID(set *ResponseSet) (ChaincodeID, error) {
	first := set.Successful[0]
	if first.ChaincodeID == nil {
		return ChaincodeID{}, newPipelineError(PhaseDeploy, CommitFailure, "deploy response from %s carries no chaincode id", first.Endpoint)
	}
	return *first.ChaincodeID, nil
}

func (p *Pipeline) invoke(ctx context.Context, d deployed) (invoked, error) {
	start := time.Now()
	chaincodeID := d.chaincodeID
	req := ProposalRequest{
		Phase:       PhaseInvoke,
		ChaincodeID: &chaincodeID,
		Fcn:         p.config.Invoke.Fcn,
		Args:        p.config.Invoke.Args,
	}

	e, set, err := p.endorse(ctx, req)
	if err != nil {
		return invoked{}, err
	}

	commit, err := p.submitter.Submit(ctx, e, set, p.config.Invoke.WaitTime)
	if err != nil {
		return invoked{}, err
	}

	p.logger.Infof("Successfully invoked chaincode %s", chaincodeID)
	p.metrics.ObservePhase(PhaseInvoke, time.Since(start))
	return invoked{deployed: d, commit: *commit}, nil
}

// query is read-only: nothing is submitted, but every peer has to answer
// with success before the payload is accepted
func (p *Pipeline) query(ctx context.Context, i invoked) (queried, error) {
	start := time.Now()
	chaincodeID := i.chaincodeID
	req := ProposalRequest{
		Phase:       PhaseQuery,
		ChaincodeID: &chaincodeID,
		Fcn:         p.config.Query.Fcn,
		Args:        p.config.Query.Args,
	}

	e, set, err := p.endorse(ctx, req)
	if err != nil {
		return queried{}, err
	}

	for _, r := range e.Responses {
		if r.Status != StatusSuccess {
			return queried{}, newPipelineError(PhaseQuery, QueryValidationFailure,
				"failed query proposal from %s. status: %s. message: %s", r.Endpoint, r.Status, r.Message)
		}
	}

	payload := set.Successful[0].Payload
	p.logger.Infof("Query payload returned %s", payload)
	p.metrics.ObservePhase(PhaseQuery, time.Since(start))
	return queried{invoked: i, payload: payload}, nil
}
