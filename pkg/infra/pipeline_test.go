package infra

import (
	"context"
	"testing"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/osdi23p228/fabric-protos-go/common"
	"github.com/osdi23p228/fabric-protos-go/peer"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var deployedID = &peer.ChaincodeID{Name: "example_cc", Version: "1"}

// phaseReplies returns the successful deploy, invoke and query answers of a
// healthy peer
func phaseReplies(t *testing.T) []reply {
	return []reply{
		{resp: successResponse(t, &peer.ChaincodeID{Name: "lscc"}, "")},
		{resp: successResponse(t, deployedID, "")},
		{resp: successResponse(t, deployedID, "300")},
	}
}

type pipelineFixture struct {
	pipeline *Pipeline
	network  *fakeNetwork
	metrics  *Metrics
	hook     *test.Hook
}

func newPipelineFixture(t *testing.T, c *Config, fakes ...*fakeEndorser) *pipelineFixture {
	identity := newTestIdentity(t)
	logger, hook := newTestLogger()
	network := newFakeNetwork()
	metrics := NewMetrics(prometheus.NewRegistry())

	p := NewPipeline(c, PipelineDeps{
		Endorsers:   endorsers(fakes...),
		Identity:    identity,
		Orderers:    []OrdererClient{network},
		Observer:    network,
		Logger:      logger,
		Metrics:     metrics,
		TimeKeepers: NewTimeKeepers(),
	})
	return &pipelineFixture{pipeline: p, network: network, metrics: metrics, hook: hook}
}

func TestPipelineRunsEveryPhase(t *testing.T) {
	f := newPipelineFixture(t, testConfig(),
		&fakeEndorser{script: phaseReplies(t)},
		&fakeEndorser{script: phaseReplies(t)},
		&fakeEndorser{script: phaseReplies(t)},
	)

	result, err := f.pipeline.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ChaincodeID{Name: "example_cc", Path: "github.com/example_cc", Version: "1"}, result.ChaincodeID)
	assert.Equal(t, uint64(1), result.Deploy.BlockNumber)
	assert.Equal(t, uint64(2), result.Invoke.BlockNumber)
	assert.Equal(t, "300", string(result.Payload))
	assert.Equal(t, []State{StateInit, StateDeployed, StateInvoked, StateQueried, StateDone}, f.pipeline.States())

	// query is never submitted
	assert.Equal(t, 2, f.network.submitted())

	assert.Equal(t, float64(3), testutil.ToFloat64(f.metrics.Endorsements.WithLabelValues("deploy", "SUCCESS")))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Commits.WithLabelValues("invoke", "VALID")))
	assert.Equal(t, 3, testutil.CollectAndCount(f.metrics.PhaseDuration))
}

func TestPipelineToleratesFailedEndorser(t *testing.T) {
	c := testConfig()
	failing := &fakeEndorser{script: []reply{
		{resp: failureResponse("chaincode already exists")},
		{resp: successResponse(t, deployedID, "")},
		{resp: successResponse(t, deployedID, "300")},
	}}
	peer0, peer1 := phaseReplies(t), phaseReplies(t)
	peer0[0].resp.Endorsement.Endorser = []byte("peer0")
	peer1[0].resp.Endorsement.Endorser = []byte("peer1")
	f := newPipelineFixture(t, c,
		&fakeEndorser{script: peer0},
		&fakeEndorser{script: peer1},
		failing,
	)

	result, err := f.pipeline.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "example_cc:1", result.ChaincodeID.String())
	assert.True(t, hasMessage(f.hook, "Received 3 deploy proposal responses. Successful: 2. Failed: 1"))

	// the deploy transaction carries the two successful endorsements only
	require.NotEmpty(t, f.network.envelopes)
	var signers []string
	for _, e := range endorsementsOf(t, f.network.envelopes[0]) {
		signers = append(signers, string(e.Endorser))
	}
	assert.ElementsMatch(t, []string{"peer0", "peer1"}, signers)
}

func TestDeployedChaincodeIDIsFirstToArrive(t *testing.T) {
	identity := newTestIdentity(t)
	logger, _ := newTestLogger()
	c := testConfig()

	targets := endorsers(
		&fakeEndorser{
			script: []reply{{resp: successResponse(t, &peer.ChaincodeID{Name: "example_cc", Version: "2"}, "")}},
			delay:  100 * time.Millisecond,
		},
		&fakeEndorser{script: []reply{{resp: successResponse(t, &peer.ChaincodeID{Name: "example_cc", Version: "1"}, "")}}},
	)

	e := newElement(t, identity, ProposalRequest{
		Phase: PhaseDeploy,
		Deployment: &DeploymentSpec{
			Name:    c.Chaincode.Name,
			Path:    c.Chaincode.Path,
			Version: c.Chaincode.Version,
		},
	})
	responses, err := NewProposers(time.Second, logger, nil, NewTimeKeepers()).Broadcast(context.Background(), e, targets)
	require.NoError(t, err)
	set, err := Evaluate(PhaseDeploy, responses, 1)
	require.NoError(t, err)
	require.Len(t, set.Successful, 2)

	id, err := deployedChaincodeID(set)
	require.NoError(t, err)
	assert.Equal(t, "example_cc:1", id.String())
}

func TestDeployedChaincodeIDMissing(t *testing.T) {
	set := &ResponseSet{Successful: []*EndorsementResponse{{Endpoint: "peer0:7051", Status: StatusSuccess}}}

	_, err := deployedChaincodeID(set)
	require.Error(t, err)
	assert.True(t, IsReason(err, CommitFailure))
	assert.Contains(t, err.Error(), "deploy response from peer0:7051 carries no chaincode id")
}

func endorsementsOf(t *testing.T, env *common.Envelope) []*peer.Endorsement {
	payload := &common.Payload{}
	require.NoError(t, proto.Unmarshal(env.Payload, payload))
	tx := &peer.Transaction{}
	require.NoError(t, proto.Unmarshal(payload.Data, tx))
	require.Len(t, tx.Actions, 1)
	action := &peer.ChaincodeActionPayload{}
	require.NoError(t, proto.Unmarshal(tx.Actions[0].Payload, action))
	return action.Action.Endorsements
}

func TestPipelineDeployWithoutQuorum(t *testing.T) {
	c := testConfig()
	c.Endorsement.MinimumSuccess = 2
	f := newPipelineFixture(t, c,
		&fakeEndorser{script: phaseReplies(t)},
		&fakeEndorser{script: []reply{{resp: failureResponse("instantiation policy violated")}}},
		&fakeEndorser{script: []reply{{err: errors.New("connection refused")}}},
	)

	_, err := f.pipeline.Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsReason(err, InsufficientEndorsers))
	pe, _ := AsPipelineError(err)
	assert.Equal(t, PhaseDeploy, pe.Phase)

	assert.Equal(t, []State{StateInit, StateFailed}, f.pipeline.States())
	assert.Zero(t, f.network.submitted())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Failures.WithLabelValues("deploy", "InsufficientEndorsers")))
}

func TestPipelineWithoutEndorsers(t *testing.T) {
	f := newPipelineFixture(t, testConfig())

	_, err := f.pipeline.Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsReason(err, NoEndorsers))
}

func TestPipelineQueryRequiresEveryPeer(t *testing.T) {
	f := newPipelineFixture(t, testConfig(),
		&fakeEndorser{script: phaseReplies(t)},
		&fakeEndorser{script: []reply{
			{resp: successResponse(t, &peer.ChaincodeID{Name: "lscc"}, "")},
			{resp: successResponse(t, deployedID, "")},
			{resp: failureResponse("key not found")},
		}},
	)

	_, err := f.pipeline.Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsReason(err, QueryValidationFailure))
	assert.Contains(t, err.Error(), "failed query proposal from peer1:7051. status: FAILURE. message: key not found")
	assert.Equal(t, []State{StateInit, StateDeployed, StateInvoked, StateFailed}, f.pipeline.States())
}

func TestPipelineInvokeCommitTimeout(t *testing.T) {
	c := testConfig()
	c.Invoke.WaitTime = 50 * time.Millisecond
	f := newPipelineFixture(t, c, &fakeEndorser{script: phaseReplies(t)})
	f.network.maxCommits = 1

	_, err := f.pipeline.Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsReason(err, SubmissionTimeout))
	pe, _ := AsPipelineError(err)
	assert.Equal(t, PhaseInvoke, pe.Phase)
	assert.Equal(t, []State{StateInit, StateDeployed, StateFailed}, f.pipeline.States())
}

func TestPipelineTimeout(t *testing.T) {
	c := testConfig()
	c.Timeout = 50 * time.Millisecond
	c.Deploy.WaitTime = time.Minute
	f := newPipelineFixture(t, c, &fakeEndorser{script: phaseReplies(t)})
	f.network.maxCommits = -1

	_, err := f.pipeline.Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsReason(err, PipelineTimeout))
	assert.Equal(t, []State{StateInit, StateFailed}, f.pipeline.States())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "Queried", StateQueried.String())
	assert.Equal(t, "State(42)", State(42).String())
}
