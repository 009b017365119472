package infra

// EndpointKind tells peers, orderers and event sources apart
type EndpointKind int

const (
	PeerEndpoint EndpointKind = iota
	OrdererEndpoint
	EventEndpoint
)

func (k EndpointKind) String() string {
	switch k {
	case PeerEndpoint:
		return "peer"
	case OrdererEndpoint:
		return "orderer"
	case EventEndpoint:
		return "eventhub"
	}
	return "unknown"
}

// Registry holds the addressable endpoints of one channel. It is filled
// before a run starts and only read afterwards, so it carries no lock.
// Duplicate nodes are kept and counted twice.
type Registry struct {
	channel   string
	endpoints map[EndpointKind][]Node
}

func NewRegistry(channel string) *Registry {
	return &Registry{
		channel:   channel,
		endpoints: make(map[EndpointKind][]Node),
	}
}

// NewRegistryFromConfig registers every peer, orderer and the event source
// named in the configuration
func NewRegistryFromConfig(c *Config) *Registry {
	r := NewRegistry(c.Channel)
	for _, n := range c.Peers {
		r.Register(PeerEndpoint, n)
	}
	for _, n := range c.Orderers {
		r.Register(OrdererEndpoint, n)
	}
	if c.EventHub.Address != "" {
		r.Register(EventEndpoint, c.EventHub)
	}
	return r
}

func (r *Registry) Channel() string {
	return r.channel
}

func (r *Registry) Register(kind EndpointKind, node Node) {
	r.endpoints[kind] = append(r.endpoints[kind], node)
}

// All returns a copy of the nodes of the given kind in registration order
func (r *Registry) All(kind EndpointKind) []Node {
	nodes := make([]Node, len(r.endpoints[kind]))
	copy(nodes, r.endpoints[kind])
	return nodes
}
