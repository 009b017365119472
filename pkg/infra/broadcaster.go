package infra

import (
	"context"

	"github.com/osdi23p228/fabric-protos-go/common"
	"github.com/osdi23p228/fabric-protos-go/orderer"
	"github.com/pkg/errors"
)

// OrdererClient hands an envelope to the ordering service and reports its
// acknowledgement
type OrdererClient interface {
	Address() string
	Broadcast(ctx context.Context, envelope *common.Envelope) (common.Status, error)
}

// Broadcaster sends envelopes over the orderer's AtomicBroadcast stream
type Broadcaster struct {
	address string
	client  orderer.AtomicBroadcastClient
}

func NewBroadcaster(address string, client orderer.AtomicBroadcastClient) *Broadcaster {
	return &Broadcaster{
		address: address,
		client:  client,
	}
}

func (b *Broadcaster) Address() string {
	return b.address
}

// Broadcast opens a stream, sends one envelope and waits for its
// acknowledgement. It does not wait for the transaction to be committed.
func (b *Broadcaster) Broadcast(ctx context.Context, envelope *common.Envelope) (common.Status, error) {
	stream, err := b.client.Broadcast(ctx)
	if err != nil {
		return common.Status_UNKNOWN, errors.Wrapf(err, "fail to open broadcast stream to %s", b.address)
	}
	defer stream.CloseSend()

	if err := stream.Send(envelope); err != nil {
		return common.Status_UNKNOWN, errors.Wrapf(err, "fail to send envelope to %s", b.address)
	}

	res, err := stream.Recv()
	if err != nil {
		return common.Status_UNKNOWN, errors.Wrapf(err, "fail to receive broadcast response from %s", b.address)
	}

	if res.Status != common.Status_SUCCESS {
		return res.Status, errors.Errorf("orderer %s returned status %s: %s", b.address, res.Status, res.Info)
	}
	return res.Status, nil
}
