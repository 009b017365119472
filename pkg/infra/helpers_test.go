package infra

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io/ioutil"
	"math/big"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/osdi23p228/fabric-protos-go/common"
	"github.com/osdi23p228/fabric-protos-go/peer"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

const testMSPID = "Org1MSP"

func selfSignedCert(t *testing.T, key *ecdsa.PrivateKey, cn string) []byte {
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func newTestIdentity(t *testing.T) *Crypto {
	key, err := generateKey()
	require.NoError(t, err)

	identity, err := NewCrypto(testMSPID, key, selfSignedCert(t, key, "admin"))
	require.NoError(t, err)
	return identity
}

// writeIdentityFiles stores a fresh key pair as PEM files in dir
func writeIdentityFiles(t *testing.T, dir string) (keyFile, certFile string) {
	key, err := generateKey()
	require.NoError(t, err)
	keyPEM, err := marshalPrivateKey(key)
	require.NoError(t, err)

	keyFile = filepath.Join(dir, "key.pem")
	certFile = filepath.Join(dir, "cert.pem")
	require.NoError(t, ioutil.WriteFile(keyFile, keyPEM, 0600))
	require.NoError(t, ioutil.WriteFile(certFile, selfSignedCert(t, key, "admin"), 0644))
	return keyFile, certFile
}

func newTestLogger() (*log.Logger, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(log.DebugLevel)
	return logger, hook
}

func successResponse(t *testing.T, ccID *peer.ChaincodeID, payload string) *peer.ProposalResponse {
	action, err := proto.Marshal(&peer.ChaincodeAction{
		ChaincodeId: ccID,
		Response:    &peer.Response{Status: 200, Payload: []byte(payload)},
	})
	require.NoError(t, err)

	prp, err := proto.Marshal(&peer.ProposalResponsePayload{
		ProposalHash: []byte("proposal-hash"),
		Extension:    action,
	})
	require.NoError(t, err)

	return &peer.ProposalResponse{
		Version:  1,
		Response: &peer.Response{Status: 200, Payload: []byte(payload)},
		Payload:  prp,
		Endorsement: &peer.Endorsement{
			Endorser:  []byte("endorser"),
			Signature: []byte("signature"),
		},
	}
}

func failureResponse(message string) *peer.ProposalResponse {
	return &peer.ProposalResponse{
		Version:  1,
		Response: &peer.Response{Status: 500, Message: message},
	}
}

type reply struct {
	resp *peer.ProposalResponse
	err  error
}

// fakeEndorser answers the n-th proposal with script[n], repeating the last
// entry once the script runs out
type fakeEndorser struct {
	script  []reply
	delay   time.Duration
	release chan struct{} // when set, calls block until closed, ignoring ctx
	calls   int32
}

func (f *fakeEndorser) ProcessProposal(ctx context.Context, in *peer.SignedProposal, opts ...grpc.CallOption) (*peer.ProposalResponse, error) {
	n := int(atomic.AddInt32(&f.calls, 1)) - 1

	if f.release != nil {
		<-f.release
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if n >= len(f.script) {
		n = len(f.script) - 1
	}
	return f.script[n].resp, f.script[n].err
}

func endorsers(fakes ...*fakeEndorser) []*Endorser {
	var es []*Endorser
	for i, f := range fakes {
		es = append(es, &Endorser{
			Address: "peer" + string(rune('0'+i)) + ":7051",
			Client:  f,
		})
	}
	return es
}

// fakeNetwork orders every broadcast envelope into its own block and
// notifies the registered waiter
type fakeNetwork struct {
	lock       sync.Mutex
	block      uint64
	code       peer.TxValidationCode
	rejectWith common.Status // non-zero rejects every envelope
	maxCommits int           // non-zero stops committing after that many blocks
	waiters    map[string]chan TxEvent
	envelopes  []*common.Envelope
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		code:    peer.TxValidationCode_VALID,
		waiters: make(map[string]chan TxEvent),
	}
}

func (n *fakeNetwork) Address() string {
	return "orderer0:7050"
}

func (n *fakeNetwork) Broadcast(ctx context.Context, envelope *common.Envelope) (common.Status, error) {
	n.lock.Lock()
	defer n.lock.Unlock()

	n.envelopes = append(n.envelopes, envelope)
	if n.rejectWith != 0 {
		return n.rejectWith, errors.Errorf("orderer returned status %s", n.rejectWith)
	}

	txid, err := txidOf(envelope)
	if err != nil {
		return common.Status_BAD_REQUEST, err
	}

	if n.maxCommits == 0 || int(n.block) < n.maxCommits {
		n.block++
		if ch, ok := n.waiters[txid]; ok {
			delete(n.waiters, txid)
			ch <- TxEvent{Txid: txid, BlockNumber: n.block, ValidationCode: n.code}
		}
	}
	return common.Status_SUCCESS, nil
}

func (n *fakeNetwork) Register(txid string) <-chan TxEvent {
	n.lock.Lock()
	defer n.lock.Unlock()
	ch := make(chan TxEvent, 1)
	n.waiters[txid] = ch
	return ch
}

func (n *fakeNetwork) Unregister(txid string) {
	n.lock.Lock()
	defer n.lock.Unlock()
	delete(n.waiters, txid)
}

func (n *fakeNetwork) submitted() int {
	n.lock.Lock()
	defer n.lock.Unlock()
	return len(n.envelopes)
}

func txidOf(envelope *common.Envelope) (string, error) {
	payload := &common.Payload{}
	if err := proto.Unmarshal(envelope.Payload, payload); err != nil {
		return "", err
	}
	if payload.Header == nil {
		return "", errors.New("envelope has no header")
	}
	chdr := &common.ChannelHeader{}
	if err := proto.Unmarshal(payload.Header.ChannelHeader, chdr); err != nil {
		return "", err
	}
	return chdr.TxId, nil
}

func testConfig() *Config {
	return &Config{
		Channel: "mychannel",
		Chaincode: ChaincodeConfig{
			Name:    "example_cc",
			Path:    "github.com/example_cc",
			Version: "1",
		},
		Deploy:      PhaseConfig{Fcn: "init", Args: []string{"a", "100", "b", "200"}, WaitTime: time.Second},
		Invoke:      PhaseConfig{Fcn: "invoke", Args: []string{"move", "a", "b", "100"}, WaitTime: time.Second},
		Query:       PhaseConfig{Fcn: "invoke", Args: []string{"query", "b"}},
		Endorsement: EndorsementConfig{MinimumSuccess: 1, Timeout: time.Second},
		Timeout:     10 * time.Second,
	}
}

// newElement builds a signed element for req the way a pipeline does
func newElement(t *testing.T, identity *Crypto, req ProposalRequest) *Element {
	e, err := NewInitiator("mychannel", identity).Initiate(req)
	require.NoError(t, err)
	require.NoError(t, NewSigner(identity).SignElement(e))
	return e
}

func invokeRequest() ProposalRequest {
	return ProposalRequest{
		Phase:       PhaseInvoke,
		ChaincodeID: &ChaincodeID{Name: "example_cc", Version: "1"},
		Fcn:         "invoke",
		Args:        []string{"move", "a", "b", "100"},
	}
}

func hasMessage(hook *test.Hook, msg string) bool {
	for _, entry := range hook.AllEntries() {
		if entry.Message == msg {
			return true
		}
	}
	return false
}
