package infra

import (
	"context"
	"time"

	"github.com/osdi23p228/e2e/pkg/comm"
	"github.com/osdi23p228/fabric-protos-go/orderer"
	"github.com/osdi23p228/fabric-protos-go/peer"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
)

const dialTimeout = 30 * time.Second

func newGRPCClient(node Node, logger *log.Logger) (*comm.GRPCClient, error) {
	clientConfig := generateClientConfig(node, logger)

	grpcClient, err := comm.NewGRPCClient(clientConfig)
	if err != nil {
		return nil, errors.Wrapf(err, "error connecting to %s", node.Address)
	}

	return grpcClient, nil
}

func generateClientConfig(node Node, logger *log.Logger) comm.ClientConfig {
	certs := collectTLSCACertsBytes(node)

	clientConfig := comm.ClientConfig{
		Timeout: dialTimeout,
		SecOpts: comm.SecureOptions{
			UseTLS:            false,
			RequireClientCert: false,
			ServerRootCAs:     certs,
		},
	}
	if logger != nil && logger.IsLevelEnabled(log.DebugLevel) {
		clientConfig.Logger = log.NewEntry(logger).WithField("address", node.Address)
	}

	if len(certs) > 0 {
		clientConfig.SecOpts.UseTLS = true
		if len(node.TLSCAKeyByte) > 0 && len(node.TLSCARootByte) > 0 {
			clientConfig.SecOpts.RequireClientCert = true
			clientConfig.SecOpts.Certificate = node.TLSCACertByte
			clientConfig.SecOpts.Key = node.TLSCAKeyByte
			clientConfig.SecOpts.ClientRootCAs = append(clientConfig.SecOpts.ClientRootCAs, node.TLSCARootByte)
		}
	}

	return clientConfig
}

func collectTLSCACertsBytes(node Node) [][]byte {
	var certs [][]byte
	if node.TLSCACertByte != nil {
		certs = append(certs, node.TLSCACertByte)
	}
	return certs
}

func DialConnection(node Node, logger *log.Logger) (*grpc.ClientConn, error) {
	gRPCClient, err := newGRPCClient(node, logger)
	if err != nil {
		return nil, err
	}

	var opts []comm.TLSOption
	if node.ServerNameOverride != "" {
		opts = append(opts, comm.ServerNameOverride(node.ServerNameOverride))
	}

	conn, err := gRPCClient.NewConnection(node.Address, opts...)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to dial %s", node.Address)
	}
	return conn, nil
}

// Connections holds the clients of every endpoint in a registry
type Connections struct {
	Endorsers     []*Endorser
	Orderers      []OrdererClient
	Deliverer     peer.Deliver_DeliverFilteredClient
	DelivererAddr string
	conns         []*grpc.ClientConn
	cancelDeliver context.CancelFunc
}

// Connect dials every registered endpoint. Peers and orderers connect
// lazily, so an unreachable peer shows up as a failed endorsement; the
// event endpoint must accept the deliver stream right away.
func Connect(ctx context.Context, r *Registry, logger *log.Logger) (*Connections, error) {
	c := &Connections{}

	for _, node := range r.All(PeerEndpoint) {
		conn, err := c.dial(node, logger)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.Endorsers = append(c.Endorsers, &Endorser{
			Address: node.Address,
			Client:  peer.NewEndorserClient(conn),
		})
	}

	for _, node := range r.All(OrdererEndpoint) {
		conn, err := c.dial(node, logger)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.Orderers = append(c.Orderers, NewBroadcaster(node.Address, orderer.NewAtomicBroadcastClient(conn)))
	}

	events := r.All(EventEndpoint)
	if len(events) == 0 {
		c.Close()
		return nil, errors.New("no event endpoint registered")
	}
	conn, err := c.dial(events[0], logger)
	if err != nil {
		c.Close()
		return nil, err
	}

	deliverCtx, cancel := context.WithCancel(ctx)
	c.cancelDeliver = cancel
	deliverer, err := peer.NewDeliverClient(conn).DeliverFiltered(deliverCtx)
	if err != nil {
		c.Close()
		return nil, errors.Wrapf(err, "fail to create DeliverFiltered client on %s", events[0].Address)
	}
	c.Deliverer = deliverer
	c.DelivererAddr = events[0].Address

	return c, nil
}

func (c *Connections) dial(node Node, logger *log.Logger) (*grpc.ClientConn, error) {
	conn, err := DialConnection(node, logger)
	if err != nil {
		return nil, err
	}
	c.conns = append(c.conns, conn)
	return conn, nil
}

func (c *Connections) Close() {
	if c.cancelDeliver != nil {
		c.cancelDeliver()
	}
	for _, conn := range c.conns {
		conn.Close()
	}
}
