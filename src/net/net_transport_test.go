package net

import (
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/monas/monas-state-node/src/common"
	"github.com/monas/monas-state-node/src/crdt"
	"github.com/monas/monas-state-node/src/peers"
)

func newTestTCPTransport(t *testing.T, maxPool int) *NetworkTransport {
	trans, err := NewTCPTransport("127.0.0.1:0", "", maxPool, time.Second, common.NewTestEntry(t, common.TestLogLevel))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	go trans.Listen()
	return trans
}

func testFetchPair() (FetchOperationsRequest, FetchOperationsResponse) {
	args := FetchOperationsRequest{
		From:         peers.NewPeer("0XAA", "127.0.0.1:1"),
		GenesisCID:   "0XGENESIS",
		SinceVersion: "0XSINCE",
	}
	resp := FetchOperationsResponse{
		Found: true,
		Operations: []crdt.SerializedOperation{
			{
				Data:       []byte(`{"kind":"update"}`),
				GenesisCID: "0XGENESIS",
				Author:     "0XBB",
				Timestamp:  1700000000000,
			},
		},
	}
	return args, resp
}

func TestNetworkTransport_StartStop(t *testing.T) {
	trans := newTestTCPTransport(t, 2)
	if err := trans.Close(); err != nil {
		t.Fatalf("err: %v", err)
	}
	if !trans.IsShutdown() {
		t.Fatalf("transport should be shut down")
	}
}

func TestNetworkTransport_FetchOperations(t *testing.T) {
	trans1 := newTestTCPTransport(t, 2)
	defer trans1.Close()
	rpcCh := trans1.Consumer()

	args, resp := testFetchPair()

	go func() {
		select {
		case rpc := <-rpcCh:
			req := rpc.Command.(*FetchOperationsRequest)
			if !reflect.DeepEqual(req, &args) {
				t.Errorf("command mismatch: %#v %#v", *req, args)
			}
			rpc.Respond(&resp, nil)
		case <-time.After(time.Second):
			t.Errorf("timeout")
		}
	}()

	trans2 := newTestTCPTransport(t, 2)
	defer trans2.Close()

	var out FetchOperationsResponse
	if err := trans2.FetchOperations(trans1.LocalAddr(), &args, &out); err != nil {
		t.Fatalf("err: %v", err)
	}

	if !reflect.DeepEqual(resp, out) {
		t.Fatalf("response mismatch: %#v %#v", resp, out)
	}
}

func TestNetworkTransport_RemoteError(t *testing.T) {
	trans1 := newTestTCPTransport(t, 2)
	defer trans1.Close()
	rpcCh := trans1.Consumer()

	go func() {
		rpc := <-rpcCh
		rpc.Respond(&CapacityResponse{}, errors.New("store closed"))
	}()

	trans2 := newTestTCPTransport(t, 2)
	defer trans2.Close()

	var out CapacityResponse
	err := trans2.QueryCapacity(trans1.LocalAddr(), &CapacityRequest{}, &out)
	if err == nil || err.Error() != "store closed" {
		t.Fatalf("expected remote error, got %v", err)
	}

	// the connection survives an application error
	if len(trans2.connPool[trans1.LocalAddr()]) != 1 {
		t.Fatalf("connection should have been returned to the pool")
	}
}

func TestNetworkTransport_PooledConn(t *testing.T) {
	trans1 := newTestTCPTransport(t, 2)
	defer trans1.Close()
	rpcCh := trans1.Consumer()

	args, resp := testFetchPair()

	go func() {
		for {
			select {
			case rpc := <-rpcCh:
				rpc.Respond(&resp, nil)
			case <-time.After(500 * time.Millisecond):
				return
			}
		}
	}()

	// Transport 2 makes outbound requests, 3 conn pool
	trans2 := newTestTCPTransport(t, 3)
	defer trans2.Close()

	wg := &sync.WaitGroup{}
	wg.Add(5)

	fetch := func() {
		defer wg.Done()
		var out FetchOperationsResponse
		if err := trans2.FetchOperations(trans1.LocalAddr(), &args, &out); err != nil {
			t.Errorf("err: %v", err)
			return
		}
		if !reflect.DeepEqual(resp, out) {
			t.Errorf("response mismatch: %#v %#v", resp, out)
		}
	}

	// parallel requests stress the conn pool
	for i := 0; i < 5; i++ {
		go fetch()
	}

	wg.Wait()

	addr := trans1.LocalAddr()
	if len(trans2.connPool[addr]) != 3 {
		t.Fatalf("Expected 3 pooled conns, got %d", len(trans2.connPool[addr]))
	}
}

func TestNetworkTransport_Unreachable(t *testing.T) {
	trans1 := newTestTCPTransport(t, 2)
	addr := trans1.LocalAddr()
	trans1.Close()

	trans2 := newTestTCPTransport(t, 2)
	defer trans2.Close()

	var out HelloResponse
	if err := trans2.Hello(addr, &HelloRequest{}, &out); err == nil {
		t.Fatalf("expected an error dialing a closed transport")
	}
}
