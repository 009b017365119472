package infra

import (
	"context"
	"sync"

	"github.com/osdi23p228/fabric-protos-go/common"
	"github.com/osdi23p228/fabric-protos-go/peer"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// DeliverFiltered abstracts the peer's filtered block stream
type DeliverFiltered interface {
	Send(*common.Envelope) error
	Recv() (*peer.DeliverResponse, error)
	CloseSend() error
}

// TxEvent reports the fate of one transaction
type TxEvent struct {
	Txid           string
	BlockNumber    uint64
	ValidationCode peer.TxValidationCode
	Err            error
}

// CommitObserver delivers one TxEvent per registered transaction id
type CommitObserver interface {
	Register(txid string) <-chan TxEvent
	Unregister(txid string)
}

// Observer watches filtered blocks on one peer and dispatches commit events
// to whoever registered the transaction id
type Observer struct {
	client  DeliverFiltered
	address string
	logger  *log.Logger

	lock    sync.Mutex
	waiters map[string]chan TxEvent
	err     error
	closed  bool
}

// NewObserver subscribes to blocks from the newest one on. The first
// response, which is the current newest block, is drained before returning;
// waiting for it ends with ctx.
func NewObserver(ctx context.Context, client DeliverFiltered, address, channel string, signer SignerSerializer, logger *log.Logger) (*Observer, error) {
	envelope, err := CreateSignedDeliverNewestEnv(channel, signer)
	if err != nil {
		return nil, errors.WithMessage(err, "fail to create SignedEnvelope")
	}

	if err = client.Send(envelope); err != nil {
		return nil, errors.Wrapf(err, "fail to send SignedEnvelope to %s", address)
	}

	first := make(chan error, 1)
	go func() {
		_, err := client.Recv()
		first <- err
	}()
	select {
	case err = <-first:
		if err != nil {
			return nil, errors.Wrapf(err, "fail to receive the first response from %s", address)
		}
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "no response from %s", address)
	}

	return &Observer{
		client:  client,
		address: address,
		logger:  logger,
		waiters: make(map[string]chan TxEvent),
	}, nil
}

// StartAsync starts observing
func (o *Observer) StartAsync() {
	o.logger.Infof("Start observer on %s", o.address)
	go o.receiveFilteredBlock()
}

func (o *Observer) Close() error {
	o.lock.Lock()
	o.closed = true
	o.lock.Unlock()
	return o.client.CloseSend()
}

// Register must be called before the transaction is sent to the orderer
func (o *Observer) Register(txid string) <-chan TxEvent {
	ch := make(chan TxEvent, 1)

	o.lock.Lock()
	defer o.lock.Unlock()

	if o.err != nil {
		ch <- TxEvent{Txid: txid, Err: o.err}
		return ch
	}
	o.waiters[txid] = ch
	return ch
}

func (o *Observer) Unregister(txid string) {
	o.lock.Lock()
	defer o.lock.Unlock()
	delete(o.waiters, txid)
}

func (o *Observer) receiveFilteredBlock() {
	for {
		deliverResponse, err := o.client.Recv()
		if err != nil {
			o.fail(errors.Wrapf(err, "fail to receive deliver response from %s", o.address))
			return
		}
		if deliverResponse == nil {
			o.fail(errors.Errorf("received a nil DeliverResponse from %s", o.address))
			return
		}

		switch t := deliverResponse.Type.(type) {
		case *peer.DeliverResponse_FilteredBlock:
			o.processFilteredBlock(t.FilteredBlock)
		case *peer.DeliverResponse_Status:
			o.fail(errors.Errorf("deliver completed with status %s from %s", t.Status, o.address))
			return
		default:
			o.logger.Warnf("Unknown DeliverResponse type %T", t)
		}
	}
}

func (o *Observer) processFilteredBlock(fb *peer.FilteredBlock) {
	o.lock.Lock()
	defer o.lock.Unlock()

	for _, tx := range fb.FilteredTransactions {
		o.logger.Debugf("Observed transaction %s in block %d: %s", tx.Txid, fb.Number, tx.TxValidationCode)

		ch, ok := o.waiters[tx.Txid]
		if !ok {
			continue
		}
		delete(o.waiters, tx.Txid)
		ch <- TxEvent{
			Txid:           tx.Txid,
			BlockNumber:    fb.Number,
			ValidationCode: tx.TxValidationCode,
		}
	}
}

// fail ends every pending wait with err; later registrations fail at once
func (o *Observer) fail(err error) {
	o.lock.Lock()
	defer o.lock.Unlock()

	if o.closed {
		o.logger.Debugf("Observer stopped: %v", err)
	} else {
		o.logger.Errorf("Observer stopped: %v", err)
	}
	o.err = err
	for txid, ch := range o.waiters {
		ch <- TxEvent{Txid: txid, Err: err}
		delete(o.waiters, txid)
	}
}
