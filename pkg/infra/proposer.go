package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/osdi23p228/fabric-protos-go/peer"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Endorser is a peer endpoint ready to receive proposals
type Endorser struct {
	Address string
	Client  peer.EndorserClient
}

// Proposers fans one signed proposal out to every target peer and fans the
// answers back in
type Proposers struct {
	timeout     time.Duration
	logger      *log.Logger
	metrics     *Metrics
	timeKeepers *TimeKeepers
}

func NewProposers(timeout time.Duration, logger *log.Logger, metrics *Metrics, timeKeepers *TimeKeepers) *Proposers {
	return &Proposers{
		timeout:     timeout,
		logger:      logger,
		metrics:     metrics,
		timeKeepers: timeKeepers,
	}
}

// Broadcast sends the element's signed proposal to every target concurrently
// and returns one response per target, in arrival order. Failures are
// returned as responses, never as an error. The only error is ctx ending
// before every target answered; answers arriving after that are discarded.
func (ps *Proposers) Broadcast(ctx context.Context, e *Element, targets []*Endorser) ([]*EndorsementResponse, error) {
	// buffered so that abandoned calls can still deliver and exit
	results := make(chan *EndorsementResponse, len(targets))

	ps.timeKeepers.keepProposedTime(e.Phase, e.Txid, len(targets))

	g := &errgroup.Group{}
	for _, target := range targets {
		target := target
		g.Go(func() error {
			results <- ps.propose(ctx, e, target)
			return nil
		})
	}
	go func() {
		g.Wait()
		close(results)
	}()

	responses := make([]*EndorsementResponse, 0, len(targets))
	for {
		select {
		case r, ok := <-results:
			if !ok {
				ps.timeKeepers.keepEndorsedTime(e.Phase, e.Txid)
				e.Responses = responses
				return responses, nil
			}
			responses = append(responses, r)
		case <-ctx.Done():
			return nil, wrapPipelineError(ctx.Err(), e.Phase, PipelineTimeout,
				fmt.Sprintf("abandoned %d of %d endorsements", len(targets)-len(responses), len(targets)))
		}
	}
}

func (ps *Proposers) propose(ctx context.Context, e *Element, target *Endorser) *EndorsementResponse {
	if ps.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ps.timeout)
		defer cancel()
	}

	resp, err := target.Client.ProcessProposal(ctx, e.SignedProposal)
	r := toEndorsementResponse(e, target.Address, resp, err)

	if r.Status == StatusFailure {
		ps.logger.WithFields(log.Fields{
			"phase":   e.Phase,
			"txid":    e.Txid,
			"address": target.Address,
		}).Errorf("Error processing proposal: %s", r.Message)
	}
	ps.metrics.AddEndorsement(e.Phase, r.Status)
	ps.timeKeepers.keepEndorsement(e.Phase, e.Txid, target.Address, r.Status)

	return r
}

func toEndorsementResponse(e *Element, address string, resp *peer.ProposalResponse, err error) *EndorsementResponse {
	r := &EndorsementResponse{
		Endpoint: address,
		Status:   StatusFailure,
		Raw:      resp,
	}

	switch {
	case err != nil:
		r.Message = errors.Wrapf(err, "error processing proposal at %s", address).Error()
	case resp == nil || resp.Response == nil:
		r.Message = fmt.Sprintf("empty proposal response from %s", address)
	case !isSuccessStatus(resp.Response.Status):
		r.Message = resp.Response.Message
		r.Payload = resp.Response.Payload
	default:
		r.Status = StatusSuccess
		r.Message = resp.Response.Message
		r.Payload = resp.Response.Payload
		if e.Phase == PhaseDeploy && e.Request.Deployment != nil {
			id, idErr := chaincodeIDFromResponse(resp, e.Request.Deployment)
			if idErr != nil {
				r.Status = StatusFailure
				r.Message = errors.WithMessage(idErr, "malformed deploy response").Error()
				return r
			}
			r.ChaincodeID = id
		}
	}

	return r
}
