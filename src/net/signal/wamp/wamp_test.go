package wamp

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/monas/monas-state-node/src/common"
	"github.com/pion/webrtc/v2"
	"github.com/sirupsen/logrus"
)

var errNoPeerConnection = errors.New("no peer connection")

func TestWampRelaysOffer(t *testing.T) {
	logger := common.NewTestEntry(t, logrus.DebugLevel)

	server, err := NewServer("127.0.0.1:0", "office", "", "", logger)
	if err != nil {
		t.Fatal(err)
	}

	go server.Run()
	defer server.Shutdown()

	url := "ws://" + server.Addr()

	callee, err := NewClient(url, "office", "callee", "", false, time.Second, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer callee.Close()

	if err := callee.Listen(); err != nil {
		t.Fatal(err)
	}

	// Answer every offer with an error so that the relay can be verified
	// without a real PeerConnection.
	go func() {
		for promise := range callee.Consumer() {
			if promise.From != "caller" {
				t.Errorf("offer from %q, expected caller", promise.From)
			}
			promise.Respond(nil, errNoPeerConnection)
		}
	}()

	caller, err := NewClient(url, "office", "caller", "", false, time.Second, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer caller.Close()

	_, err = caller.Offer("callee", webrtc.SessionDescription{})
	if err == nil || !strings.Contains(err.Error(), ErrProcessingOffer) {
		t.Fatalf("expected %s, got %v", ErrProcessingOffer, err)
	}
}

func TestRouterURL(t *testing.T) {
	cases := map[string]string{
		"signal.monas.io:443":  "wss://signal.monas.io:443",
		"ws://localhost:8000":  "ws://localhost:8000",
		"wss://localhost:8000": "wss://localhost:8000",
	}
	for in, want := range cases {
		if got := routerURL(in); got != want {
			t.Fatalf("routerURL(%q) = %q, want %q", in, got, want)
		}
	}
}
