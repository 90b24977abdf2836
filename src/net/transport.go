package net

// Transport provides an interface for network transports to allow a node to
// communicate with other nodes. Targets are network addresses.
type Transport interface {

	// Starts the transport listening
	Listen()

	// Consumer returns a channel that can be used to
	// consume and respond to RPC requests.
	Consumer() <-chan RPC

	// LocalAddr is used to return our local address
	LocalAddr() string

	// AdvertiseAddr is used to return our advertise address where other peers
	// can reach us
	AdvertiseAddr() string

	// The following methods send the corresponding RPC to the target and wait
	// for its response or the transport timeout.

	Hello(target string, args *HelloRequest, resp *HelloResponse) error

	FindNode(target string, args *FindNodeRequest, resp *FindNodeResponse) error

	AddProvider(target string, args *AddProviderRequest, resp *AddProviderResponse) error

	FindProviders(target string, args *FindProvidersRequest, resp *FindProvidersResponse) error

	FetchOperations(target string, args *FetchOperationsRequest, resp *FetchOperationsResponse) error

	PushOperations(target string, args *PushOperationsRequest, resp *PushOperationsResponse) error

	QueryCapacity(target string, args *CapacityRequest, resp *CapacityResponse) error

	QueryAssignable(target string, args *AssignableRequest, resp *AssignableResponse) error

	Gossip(target string, args *GossipRequest, resp *GossipResponse) error

	// Close permanently closes a transport, stopping
	// any associated goroutines and freeing other resources.
	Close() error
}
