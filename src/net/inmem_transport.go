package net

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NewInmemAddr returns a new in-memory addr with a random UUID.
func NewInmemAddr() string {
	return uuid.New().String()
}

// InmemTransport implements the Transport interface, to allow nodes to be
// tested in-memory without going over a network.
type InmemTransport struct {
	sync.RWMutex
	consumerCh chan RPC
	localAddr  string
	peers      map[string]*InmemTransport
	timeout    time.Duration
}

// NewInmemTransport is used to initialize a new transport and generates a
// random local address if none is specified
func NewInmemTransport(addr string, timeout time.Duration) (string, *InmemTransport) {
	if addr == "" {
		addr = NewInmemAddr()
	}
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	trans := &InmemTransport{
		consumerCh: make(chan RPC, 16),
		localAddr:  addr,
		peers:      make(map[string]*InmemTransport),
		timeout:    timeout,
	}
	return addr, trans
}

// Consumer implements the Transport interface.
func (i *InmemTransport) Consumer() <-chan RPC {
	return i.consumerCh
}

// LocalAddr implements the Transport interface.
func (i *InmemTransport) LocalAddr() string {
	return i.localAddr
}

// AdvertiseAddr implements the Transport interface.
func (i *InmemTransport) AdvertiseAddr() string {
	return i.localAddr
}

// Hello implements the Transport interface.
func (i *InmemTransport) Hello(target string, args *HelloRequest, resp *HelloResponse) error {
	rpcResp, err := i.makeRPC(target, args)
	if err != nil {
		return err
	}
	*resp = *rpcResp.Response.(*HelloResponse)
	return nil
}

// FindNode implements the Transport interface.
func (i *InmemTransport) FindNode(target string, args *FindNodeRequest, resp *FindNodeResponse) error {
	rpcResp, err := i.makeRPC(target, args)
	if err != nil {
		return err
	}
	*resp = *rpcResp.Response.(*FindNodeResponse)
	return nil
}

// AddProvider implements the Transport interface.
func (i *InmemTransport) AddProvider(target string, args *AddProviderRequest, resp *AddProviderResponse) error {
	rpcResp, err := i.makeRPC(target, args)
	if err != nil {
		return err
	}
	*resp = *rpcResp.Response.(*AddProviderResponse)
	return nil
}

// FindProviders implements the Transport interface.
func (i *InmemTransport) FindProviders(target string, args *FindProvidersRequest, resp *FindProvidersResponse) error {
	rpcResp, err := i.makeRPC(target, args)
	if err != nil {
		return err
	}
	*resp = *rpcResp.Response.(*FindProvidersResponse)
	return nil
}

// FetchOperations implements the Transport interface.
func (i *InmemTransport) FetchOperations(target string, args *FetchOperationsRequest, resp *FetchOperationsResponse) error {
	rpcResp, err := i.makeRPC(target, args)
	if err != nil {
		return err
	}
	*resp = *rpcResp.Response.(*FetchOperationsResponse)
	return nil
}

// PushOperations implements the Transport interface.
func (i *InmemTransport) PushOperations(target string, args *PushOperationsRequest, resp *PushOperationsResponse) error {
	rpcResp, err := i.makeRPC(target, args)
	if err != nil {
		return err
	}
	*resp = *rpcResp.Response.(*PushOperationsResponse)
	return nil
}

// QueryCapacity implements the Transport interface.
func (i *InmemTransport) QueryCapacity(target string, args *CapacityRequest, resp *CapacityResponse) error {
	rpcResp, err := i.makeRPC(target, args)
	if err != nil {
		return err
	}
	*resp = *rpcResp.Response.(*CapacityResponse)
	return nil
}

// QueryAssignable implements the Transport interface.
func (i *InmemTransport) QueryAssignable(target string, args *AssignableRequest, resp *AssignableResponse) error {
	rpcResp, err := i.makeRPC(target, args)
	if err != nil {
		return err
	}
	*resp = *rpcResp.Response.(*AssignableResponse)
	return nil
}

// Gossip implements the Transport interface.
func (i *InmemTransport) Gossip(target string, args *GossipRequest, resp *GossipResponse) error {
	rpcResp, err := i.makeRPC(target, args)
	if err != nil {
		return err
	}
	*resp = *rpcResp.Response.(*GossipResponse)
	return nil
}

func (i *InmemTransport) makeRPC(target string, args interface{}) (rpcResp RPCResponse, err error) {
	i.RLock()
	peer, ok := i.peers[target]
	i.RUnlock()

	if !ok {
		err = fmt.Errorf("failed to connect to peer: %v", target)
		return
	}

	timer := time.NewTimer(i.timeout)
	defer timer.Stop()

	// Send the RPC over
	respCh := make(chan RPCResponse, 1)
	select {
	case peer.consumerCh <- RPC{Command: args, RespChan: respCh}:
	case <-timer.C:
		err = ErrRequestTimeout
		return
	}

	// Wait for a response
	select {
	case rpcResp = <-respCh:
		if rpcResp.Error != nil {
			err = rpcResp.Error
		}
	case <-timer.C:
		err = ErrRequestTimeout
	}
	return
}

// Connect is used to connect this transport to another transport for
// a given peer name. This allows for local routing.
func (i *InmemTransport) Connect(peer string, t Transport) {
	trans := t.(*InmemTransport)
	i.Lock()
	defer i.Unlock()
	i.peers[peer] = trans
}

// Disconnect is used to remove the ability to route to a given peer.
func (i *InmemTransport) Disconnect(peer string) {
	i.Lock()
	defer i.Unlock()
	delete(i.peers, peer)
}

// DisconnectAll is used to remove all routes to peers.
func (i *InmemTransport) DisconnectAll() {
	i.Lock()
	defer i.Unlock()
	i.peers = make(map[string]*InmemTransport)
}

// Close is used to permanently disable the transport
func (i *InmemTransport) Close() error {
	i.DisconnectAll()
	return nil
}

// Listen is an empty function as there is no need to defer
// initialisation of the InMem service
func (i *InmemTransport) Listen() {
}

// ConnectAll fully connects a set of in-memory transports.
func ConnectAll(transports ...*InmemTransport) {
	for _, a := range transports {
		for _, b := range transports {
			if a != b {
				a.Connect(b.LocalAddr(), b)
			}
		}
	}
}
