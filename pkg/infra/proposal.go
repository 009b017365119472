package infra

import (
	"bytes"
	"math"

	"github.com/golang/protobuf/proto"
	"github.com/osdi23p228/fabric-protos-go/common"
	"github.com/osdi23p228/fabric-protos-go/orderer"
	"github.com/osdi23p228/fabric-protos-go/peer"
	"github.com/osdi23p228/fabric/protoutil"
	"github.com/pkg/errors"
)

const lifecycleChaincode = "lscc"

// SignerSerializer signs messages and serializes the signing identity
type SignerSerializer interface {
	Sign(message []byte) ([]byte, error)
	Serialize() ([]byte, error)
}

func chaincodeArgs(fcn string, args []string) [][]byte {
	argsByte := make([][]byte, 0, len(args)+1)
	if fcn != "" {
		argsByte = append(argsByte, []byte(fcn))
	}
	for _, arg := range args {
		argsByte = append(argsByte, []byte(arg))
	}
	return argsByte
}

// invocationSpec returns the chaincode invocation a request stands for.
// Deploy requests are wrapped into a lifecycle chaincode call carrying the
// deployment spec.
func invocationSpec(channel string, req ProposalRequest) (*peer.ChaincodeInvocationSpec, error) {
	if req.Phase == PhaseDeploy {
		if req.Deployment == nil {
			return nil, errors.New("deploy request has no deployment spec")
		}
		cds := &peer.ChaincodeDeploymentSpec{
			ChaincodeSpec: &peer.ChaincodeSpec{
				Type: peer.ChaincodeSpec_GOLANG,
				ChaincodeId: &peer.ChaincodeID{
					Name:    req.Deployment.Name,
					Path:    req.Deployment.Path,
					Version: req.Deployment.Version,
				},
				Input: &peer.ChaincodeInput{Args: chaincodeArgs(req.Fcn, req.Args)},
			},
		}
		cdsBytes, err := proto.Marshal(cds)
		if err != nil {
			return nil, errors.Wrap(err, "error marshaling ChaincodeDeploymentSpec")
		}

		return &peer.ChaincodeInvocationSpec{
			ChaincodeSpec: &peer.ChaincodeSpec{
				Type:        peer.ChaincodeSpec_GOLANG,
				ChaincodeId: &peer.ChaincodeID{Name: lifecycleChaincode},
				Input:       &peer.ChaincodeInput{Args: [][]byte{[]byte("deploy"), []byte(channel), cdsBytes}},
			},
		}, nil
	}

	if req.ChaincodeID == nil {
		return nil, errors.Errorf("%s request has no chaincode id", req.Phase)
	}
	return &peer.ChaincodeInvocationSpec{
		ChaincodeSpec: &peer.ChaincodeSpec{
			Type:        peer.ChaincodeSpec_GOLANG,
			ChaincodeId: req.ChaincodeID.proto(),
			Input:       &peer.ChaincodeInput{Args: chaincodeArgs(req.Fcn, req.Args)},
		},
	}, nil
}

// CreateProposal creates an unsigned proposal for the request and returns it
// together with its transaction id
func CreateProposal(channel string, req ProposalRequest, creator []byte) (*peer.Proposal, string, error) {
	invocation, err := invocationSpec(channel, req)
	if err != nil {
		return nil, "", err
	}

	prop, txid, err := protoutil.CreateChaincodeProposal(common.HeaderType_ENDORSER_TRANSACTION, channel, invocation, creator)
	if err != nil {
		return nil, "", errors.Wrap(err, "error creating chaincode proposal")
	}
	return prop, txid, nil
}

// SignProposal signs an unsigned proposal and attach the signature to the signed proposal
func SignProposal(prop *peer.Proposal, signer SignerSerializer) (*peer.SignedProposal, error) {
	proposalBytes, err := proto.Marshal(prop)
	if err != nil {
		return nil, err
	}

	signature, err := signer.Sign(proposalBytes)
	if err != nil {
		return nil, err
	}

	signedProposal := &peer.SignedProposal{
		ProposalBytes: proposalBytes,
		Signature:     signature,
	}
	return signedProposal, nil
}

// CreateSignedTx extract response, then signs and generates an envelope
func CreateSignedTx(proposal *peer.Proposal, signer SignerSerializer, responses []*peer.ProposalResponse) (*common.Envelope, error) {
	if len(responses) == 0 {
		return nil, errors.Errorf("Fail to find any response")
	}

	header, err := getHeader(proposal.Header, signer)
	if err != nil {
		return nil, err
	}

	ccActionPayload, err := generateChaincodeActionPayload(proposal, responses)
	if err != nil {
		return nil, err
	}

	tx, err := generateTransaction(header, ccActionPayload)
	if err != nil {
		return nil, err
	}

	payload, err := generatePayload(header, tx)
	if err != nil {
		return nil, err
	}

	return generateEnvelope(payload, signer)
}

// CreateSignedDeliverNewestEnv asks for every block from the newest one on
func CreateSignedDeliverNewestEnv(channel string, signer SignerSerializer) (*common.Envelope, error) {
	start := &orderer.SeekPosition{
		Type: &orderer.SeekPosition_Newest{
			Newest: &orderer.SeekNewest{},
		},
	}

	stop := &orderer.SeekPosition{
		Type: &orderer.SeekPosition_Specified{
			Specified: &orderer.SeekSpecified{
				Number: math.MaxUint64,
			},
		},
	}

	seekInfo := &orderer.SeekInfo{
		Start:    start,
		Stop:     stop,
		Behavior: orderer.SeekInfo_BLOCK_UNTIL_READY,
	}

	return protoutil.CreateSignedEnvelope(
		common.HeaderType_DELIVER_SEEK_INFO,
		channel,
		signer,
		seekInfo,
		0,
		0,
	)
}

// chaincodeIDFromResponse reads the chaincode id the endorser recorded in
// its ChaincodeAction. Lifecycle answers name the lifecycle chaincode, in
// which case the deployed spec is returned instead.
func chaincodeIDFromResponse(resp *peer.ProposalResponse, deployed *DeploymentSpec) (*ChaincodeID, error) {
	fallback := &ChaincodeID{Name: deployed.Name, Path: deployed.Path, Version: deployed.Version}
	if len(resp.Payload) == 0 {
		return fallback, nil
	}

	prp, err := protoutil.UnmarshalProposalResponsePayload(resp.Payload)
	if err != nil {
		return nil, err
	}
	ccAction, err := protoutil.UnmarshalChaincodeAction(prp.Extension)
	if err != nil {
		return nil, err
	}

	id := ccAction.GetChaincodeId()
	if id == nil || id.Name == "" || id.Name == lifecycleChaincode {
		return fallback, nil
	}
	return &ChaincodeID{Name: id.Name, Path: id.Path, Version: id.Version}, nil
}

func getHeader(headerBytes []byte, signer SignerSerializer) (*common.Header, error) {
	header := &common.Header{}
	err := proto.Unmarshal(headerBytes, header)
	if err != nil {
		return nil, errors.Wrap(err, "error unmarshaling Header")
	}

	err = checkHeaderSignerValidity(header, signer)
	if err != nil {
		return nil, err
	}

	return header, nil
}

// checkHeaderSignerValidity check that the signer is the same
// that is referenced in the header.
func checkHeaderSignerValidity(header *common.Header, signer SignerSerializer) error {
	identityBytes, err := signer.Serialize()
	if err != nil {
		return err
	}

	signatureHeader, err := UnmarshalSignatureHeader(header.SignatureHeader)
	if err != nil {
		return err
	}

	if !bytes.Equal(identityBytes, signatureHeader.Creator) {
		return errors.Errorf("signer must be the same as the one referenced in the header")
	}

	return nil
}

func UnmarshalSignatureHeader(raw []byte) (*common.SignatureHeader, error) {
	sh := &common.SignatureHeader{}
	if err := proto.Unmarshal(raw, sh); err != nil {
		return nil, errors.Wrap(err, "error unmarshaling SignatureHeader")
	}
	return sh, nil
}

func collectEndorsements(responses []*peer.ProposalResponse) ([]*peer.Endorsement, error) {
	err := checkResponsesStatusValidity(responses)
	if err != nil {
		return nil, err
	}

	err = checkResponsePayloadValidity(responses)
	if err != nil {
		return nil, err
	}

	endorsements := make([]*peer.Endorsement, len(responses))
	for i, r := range responses {
		endorsements[i] = r.Endorsement
	}
	return endorsements, nil
}

func checkResponsesStatusValidity(responses []*peer.ProposalResponse) error {
	for _, r := range responses {
		if !isSuccessStatus(r.GetResponse().GetStatus()) {
			return errors.Errorf("proposal response was not successful, error code %d, msg %s", r.GetResponse().GetStatus(), r.GetResponse().GetMessage())
		}
	}
	return nil
}

func checkResponsePayloadValidity(responses []*peer.ProposalResponse) error {
	payloadBytes := getProposalResponsePayloadByte(responses)
	for _, r := range responses[1:] {
		if !bytes.Equal(payloadBytes, r.Payload) {
			return errors.Errorf("ProposalResponsePayloads from Peers do not match")
		}
	}
	return nil
}

func getProposalResponsePayloadByte(responses []*peer.ProposalResponse) []byte {
	return responses[0].Payload
}

func GetChaincodeProposalPayload(ccProposalPayloadBytes []byte) (*peer.ChaincodeProposalPayload, error) {
	ccProposalPayload := &peer.ChaincodeProposalPayload{}
	err := proto.Unmarshal(ccProposalPayloadBytes, ccProposalPayload)
	return ccProposalPayload, errors.Wrap(err, "error unmarshaling ChaincodeProposalPayload")
}

func generateChaincodeActionPayload(proposal *peer.Proposal, responses []*peer.ProposalResponse) (*peer.ChaincodeActionPayload, error) {
	ccProposalPayload, err := GetChaincodeProposalPayload(proposal.Payload)
	if err != nil {
		return nil, err
	}
	proposalPayloadBytes, err := protoutil.GetBytesProposalPayloadForTx(ccProposalPayload)
	if err != nil {
		return nil, err
	}

	endorsements, err := collectEndorsements(responses)
	if err != nil {
		return nil, err
	}

	ccEndorsedAction := &peer.ChaincodeEndorsedAction{
		ProposalResponsePayload: getProposalResponsePayloadByte(responses),
		Endorsements:            endorsements,
	}

	ccActionPayload := &peer.ChaincodeActionPayload{
		ChaincodeProposalPayload: proposalPayloadBytes,
		Action:                   ccEndorsedAction,
	}
	return ccActionPayload, nil
}

func generateTransaction(header *common.Header, ccActionPayload *peer.ChaincodeActionPayload) (*peer.Transaction, error) {
	ccActionPayloadBytes, err := protoutil.GetBytesChaincodeActionPayload(ccActionPayload)
	if err != nil {
		return nil, err
	}

	txAction := &peer.TransactionAction{
		Header:  header.SignatureHeader,
		Payload: ccActionPayloadBytes,
	}

	return &peer.Transaction{Actions: []*peer.TransactionAction{txAction}}, nil
}

func generatePayload(header *common.Header, tx *peer.Transaction) (*common.Payload, error) {
	txBytes, err := protoutil.GetBytesTransaction(tx)
	if err != nil {
		return nil, err
	}

	return &common.Payload{
		Header: header,
		Data:   txBytes,
	}, nil
}

func generateEnvelope(payload *common.Payload, signer SignerSerializer) (*common.Envelope, error) {
	payloadBytes, err := protoutil.GetBytesPayload(payload)
	if err != nil {
		return nil, err
	}

	signature, err := signer.Sign(payloadBytes)
	if err != nil {
		return nil, err
	}

	return &common.Envelope{
		Payload:   payloadBytes,
		Signature: signature,
	}, nil
}

// isSuccessStatus follows the peer's HTTP-like status codes
func isSuccessStatus(status int32) bool {
	return status >= 200 && status < 400
}
