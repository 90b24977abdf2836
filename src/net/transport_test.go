package net

import (
	"reflect"
	"testing"
	"time"

	"github.com/monas/monas-state-node/src/common"
	"github.com/monas/monas-state-node/src/peers"
)

const (
	INMEM = iota
	TCP
	numTestTransports // NOTE: must be last
)

func NewTestTransport(ttype int, t *testing.T) Transport {
	switch ttype {
	case INMEM:
		_, it := NewInmemTransport("", time.Second)
		return it
	case TCP:
		tt, err := NewTCPTransport("127.0.0.1:0", "", 2, time.Second, common.NewTestEntry(t, common.TestLogLevel))
		if err != nil {
			t.Fatal(err)
		}
		go tt.Listen()
		return tt
	default:
		panic("Unknown transport type")
	}
}

// connectTestTransports makes b reachable from a.
func connectTestTransports(a, b Transport) {
	if ia, ok := a.(*InmemTransport); ok {
		ia.Connect(b.LocalAddr(), b)
	}
}

func TestTransport_StartStop(t *testing.T) {
	for ttype := 0; ttype < numTestTransports; ttype++ {
		trans := NewTestTransport(ttype, t)
		if err := trans.Close(); err != nil {
			t.Fatalf("err: %v", err)
		}
	}
}

func TestTransport_Hello(t *testing.T) {
	for ttype := 0; ttype < numTestTransports; ttype++ {
		trans1 := NewTestTransport(ttype, t)
		defer trans1.Close()
		trans2 := NewTestTransport(ttype, t)
		defer trans2.Close()
		connectTestTransports(trans2, trans1)

		args := HelloRequest{
			From: peers.NewPeer("0XAA", trans2.LocalAddr()),
		}
		resp := HelloResponse{
			From: peers.NewPeer("0XBB", trans1.LocalAddr()),
			Known: []peers.Peer{
				peers.NewPeer("0XCC", "10.0.0.3:1337"),
			},
		}

		rpcCh := trans1.Consumer()
		go func() {
			select {
			case rpc := <-rpcCh:
				req := rpc.Command.(*HelloRequest)
				if !reflect.DeepEqual(req, &args) {
					t.Errorf("command mismatch: %#v %#v", *req, args)
				}
				rpc.Respond(&resp, nil)
			case <-time.After(time.Second):
				t.Errorf("timeout")
			}
		}()

		var out HelloResponse
		if err := trans2.Hello(trans1.LocalAddr(), &args, &out); err != nil {
			t.Fatalf("err: %v", err)
		}

		if !reflect.DeepEqual(resp, out) {
			t.Fatalf("response mismatch: %#v %#v", resp, out)
		}
	}
}

func TestTransport_Gossip(t *testing.T) {
	for ttype := 0; ttype < numTestTransports; ttype++ {
		trans1 := NewTestTransport(ttype, t)
		defer trans1.Close()
		trans2 := NewTestTransport(ttype, t)
		defer trans2.Close()
		connectTestTransports(trans2, trans1)

		args := GossipRequest{
			From:      peers.NewPeer("0XAA", trans2.LocalAddr()),
			MessageID: "0X01",
			Origin:    "0XAA",
			Topic:     "monas-events",
			Data:      []byte("payload"),
			TTL:       3,
		}

		rpcCh := trans1.Consumer()
		go func() {
			select {
			case rpc := <-rpcCh:
				req := rpc.Command.(*GossipRequest)
				if !reflect.DeepEqual(req, &args) {
					t.Errorf("command mismatch: %#v %#v", *req, args)
				}
				rpc.Respond(&GossipResponse{Duplicate: true}, nil)
			case <-time.After(time.Second):
				t.Errorf("timeout")
			}
		}()

		var out GossipResponse
		if err := trans2.Gossip(trans1.LocalAddr(), &args, &out); err != nil {
			t.Fatalf("err: %v", err)
		}
		if !out.Duplicate {
			t.Fatalf("expected duplicate flag")
		}
	}
}

func TestInmemTransport_Timeout(t *testing.T) {
	_, trans1 := NewInmemTransport("", 50*time.Millisecond)
	_, trans2 := NewInmemTransport("", 50*time.Millisecond)
	trans2.Connect(trans1.LocalAddr(), trans1)

	// nobody consumes trans1
	var out CapacityResponse
	err := trans2.QueryCapacity(trans1.LocalAddr(), &CapacityRequest{}, &out)
	if err != ErrRequestTimeout {
		t.Fatalf("expected ErrRequestTimeout, got %v", err)
	}
}
