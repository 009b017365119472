package infra

import (
	"context"
	"time"

	"github.com/osdi23p228/fabric-protos-go/peer"
	log "github.com/sirupsen/logrus"
)

// Submitter orders endorsed transactions and waits for their commitment.
// A submission is never retried: a timeout or rejection ends the run.
type Submitter struct {
	orderers    []OrdererClient
	observer    CommitObserver
	integrator  *Integrator
	logger      *log.Logger
	metrics     *Metrics
	timeKeepers *TimeKeepers
}

func NewSubmitter(orderers []OrdererClient, observer CommitObserver, integrator *Integrator, logger *log.Logger, metrics *Metrics, timeKeepers *TimeKeepers) *Submitter {
	return &Submitter{
		orderers:    orderers,
		observer:    observer,
		integrator:  integrator,
		logger:      logger,
		metrics:     metrics,
		timeKeepers: timeKeepers,
	}
}

// Submit assembles the element's envelope from the successful endorsements,
// sends it to the first orderer and waits up to timeout for the commit event
func (s *Submitter) Submit(ctx context.Context, e *Element, set *ResponseSet, timeout time.Duration) (*CommitResult, error) {
	logger := s.logger.WithFields(log.Fields{"phase": e.Phase, "txid": e.Txid})

	if err := s.integrator.Integrate(e, set); err != nil {
		return nil, wrapPipelineError(err, e.Phase, CommitFailure, "cannot assemble transaction")
	}
	if len(s.orderers) == 0 {
		return nil, newPipelineError(e.Phase, CommitFailure, "no orderer registered")
	}

	events := s.observer.Register(e.Txid)
	defer s.observer.Unregister(e.Txid)

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	o := s.orderers[0]
	logger.Infof("Submitting %d endorsements to %s", len(set.Successful), o.Address())
	s.timeKeepers.keepBroadcastTime(e.Phase, e.Txid, o.Address())

	if _, err := o.Broadcast(waitCtx, e.Envelope); err != nil {
		if waitCtx.Err() != nil {
			return nil, s.timedOut(ctx, e, timeout)
		}
		return nil, wrapPipelineError(err, e.Phase, CommitFailure, "orderer rejected transaction")
	}

	select {
	case event := <-events:
		if event.Err != nil {
			return nil, wrapPipelineError(event.Err, e.Phase, CommitFailure, "no commit event for "+e.Txid)
		}
		s.timeKeepers.keepObservedTime(e.Phase, e.Txid, event.ValidationCode)
		s.metrics.AddCommit(e.Phase, event.ValidationCode)
		if event.ValidationCode != peer.TxValidationCode_VALID {
			return nil, newPipelineError(e.Phase, CommitFailure,
				"transaction %s committed in block %d with status %s", e.Txid, event.BlockNumber, event.ValidationCode)
		}
		logger.Infof("Committed in block %d", event.BlockNumber)
		return &CommitResult{
			TxID:           e.Txid,
			BlockNumber:    event.BlockNumber,
			ValidationCode: event.ValidationCode,
		}, nil
	case <-waitCtx.Done():
		return nil, s.timedOut(ctx, e, timeout)
	}
}

// timedOut tells the end-to-end deadline apart from the submission's own
func (s *Submitter) timedOut(ctx context.Context, e *Element, timeout time.Duration) error {
	if ctx.Err() != nil {
		return wrapPipelineError(ctx.Err(), e.Phase, PipelineTimeout, "waiting for commit of "+e.Txid)
	}
	return newPipelineError(e.Phase, SubmissionTimeout, "no commit event for %s within %s", e.Txid, timeout)
}
