package net

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/monas/monas-state-node/src/net/signal"
	"github.com/pion/datachannel"
	webrtc "github.com/pion/webrtc/v2"
	"github.com/sirupsen/logrus"
)

var (
	errNoAnswer    = errors.New("no answer")
	errDialTimeout = errors.New("dial timeout")
)

// DefaultICEServers is used when iceServers is nil. An empty, non-nil list
// restricts ICE to host candidates.
var DefaultICEServers = []webrtc.ICEServer{
	{
		URLs: []string{"stun:stun.l.google.com:19302"},
	},
}

// WebRTCStreamLayer implements the StreamLayer interface for WebRTC. Targets
// are node ids, which the signal uses to route SDP offers.
type WebRTCStreamLayer struct {
	sync.Mutex
	peerConnections        map[string]*webrtc.PeerConnection
	dataChannels           []datachannel.ReadWriteCloser
	signal                 signal.Signal
	iceServers             []webrtc.ICEServer
	incomingConnAggregator chan net.Conn
	shutdownCh             chan struct{}
	closed                 bool
	logger                 *logrus.Entry
}

// NewWebRTCStreamLayer instantiates a new WebRTCStreamLayer. The signaling
// process is started by the transport.
func NewWebRTCStreamLayer(
	signal signal.Signal,
	iceServers []webrtc.ICEServer,
	logger *logrus.Entry,
) *WebRTCStreamLayer {

	if iceServers == nil {
		iceServers = DefaultICEServers
	}

	return &WebRTCStreamLayer{
		peerConnections:        make(map[string]*webrtc.PeerConnection),
		signal:                 signal,
		iceServers:             iceServers,
		incomingConnAggregator: make(chan net.Conn),
		shutdownCh:             make(chan struct{}),
		logger:                 logger,
	}
}

// listen receives SDP offers from the Signal, creates the corresponding
// PeerConnections and responds. The PeerConnection's DataChannel is piped into
// the connection aggregator. A bad offer is answered with an error and does not
// stop the loop.
func (w *WebRTCStreamLayer) listen() error {
	if err := w.signal.Listen(); err != nil {
		return err
	}

	consumer := w.signal.Consumer()

	for {
		select {
		case offerPromise := <-consumer:
			w.logger.WithField("from", offerPromise.From).Debug("Processing offer")

			answer, err := w.answer(offerPromise)
			offerPromise.Respond(answer, err)

			if err != nil {
				w.logger.WithError(err).Debug("Rejected offer")
			}
		case <-w.shutdownCh:
			return nil
		}
	}
}

func (w *WebRTCStreamLayer) answer(offerPromise signal.OfferPromise) (*webrtc.SessionDescription, error) {
	peerConnection, err := w.newPeerConnection(w.incomingConnAggregator, false)
	if err != nil {
		return nil, err
	}

	if err := peerConnection.SetRemoteDescription(offerPromise.Offer); err != nil {
		peerConnection.Close()
		return nil, err
	}

	answer, err := peerConnection.CreateAnswer(nil)
	if err != nil {
		peerConnection.Close()
		return nil, err
	}

	// Sets the LocalDescription, and starts our UDP listeners
	if err := peerConnection.SetLocalDescription(answer); err != nil {
		peerConnection.Close()
		return nil, err
	}

	w.setPeerConnection(offerPromise.From, peerConnection)

	return &answer, nil
}

func (w *WebRTCStreamLayer) setPeerConnection(target string, pc *webrtc.PeerConnection) {
	w.Lock()
	defer w.Unlock()

	if old, ok := w.peerConnections[target]; ok {
		old.Close()
	}
	w.peerConnections[target] = pc
}

// newPeerConnection creates a PeerConnection and pipes corresponding
// DataChannel connections into the provided channel. Set createDataChannel
// when making the offer; the answering side binds to OnDataChannel instead.
func (w *WebRTCStreamLayer) newPeerConnection(connCh chan net.Conn, createDataChannel bool) (*webrtc.PeerConnection, error) {
	s := webrtc.SettingEngine{}
	s.DetachDataChannels()

	api := webrtc.NewAPI(webrtc.WithSettingEngine(s))

	config := webrtc.Configuration{
		ICEServers: w.iceServers,
	}

	peerConnection, err := api.NewPeerConnection(config)
	if err != nil {
		return nil, err
	}

	peerConnection.OnICEConnectionStateChange(func(connectionState webrtc.ICEConnectionState) {
		w.logger.WithField("state", connectionState.String()).Debug("ICE Connection State has changed")
	})

	if createDataChannel {
		dataChannel, err := peerConnection.CreateDataChannel("data", nil)
		if err != nil {
			peerConnection.Close()
			return nil, err
		}

		w.pipeDataChannel(dataChannel, connCh)
	} else {
		peerConnection.OnDataChannel(func(d *webrtc.DataChannel) {
			w.pipeDataChannel(d, connCh)
		})
	}

	return peerConnection, nil
}

func (w *WebRTCStreamLayer) pipeDataChannel(dataChannel *webrtc.DataChannel, connCh chan net.Conn) {
	dataChannel.OnOpen(func() {
		raw, err := dataChannel.Detach()
		if err != nil {
			w.logger.WithError(err).Error("Error detaching DataChannel")
			return
		}

		w.Lock()
		w.dataChannels = append(w.dataChannels, raw)
		w.Unlock()

		select {
		case connCh <- NewWebRTCConn(raw):
		case <-w.shutdownCh:
			raw.Close()
		}
	})
}

// Dial implements the StreamLayer interface. It creates a PeerConnection to
// the target, exchanges SDP through the signal, and returns a net.Conn
// wrapping the detached DataChannel once it opens.
func (w *WebRTCStreamLayer) Dial(target string, timeout time.Duration) (net.Conn, error) {
	// buffered so that a late OnOpen does not block after a timeout
	connCh := make(chan net.Conn, 1)

	pc, err := w.newPeerConnection(connCh, true)
	if err != nil {
		return nil, err
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, err
	}

	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return nil, err
	}

	answer, err := w.signal.Offer(target, offer)
	if err != nil {
		pc.Close()
		return nil, err
	}

	if answer == nil {
		pc.Close()
		return nil, errNoAnswer
	}

	if err := pc.SetRemoteDescription(*answer); err != nil {
		pc.Close()
		return nil, err
	}

	w.setPeerConnection(target, pc)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil, errDialTimeout
	case conn := <-connCh:
		return conn, nil
	}
}

// Accept consumes the incoming connection aggregator fed by the 'listen'
// routine. It aggregates the connections from all DataChannels formed with
// PeerConnections.
func (w *WebRTCStreamLayer) Accept() (net.Conn, error) {
	select {
	case conn := <-w.incomingConnAggregator:
		return conn, nil
	case <-w.shutdownCh:
		return nil, ErrTransportShutdown
	}
}

// Close implements the net.Listener interface. It closes the Signal and all the
// PeerConnections
func (w *WebRTCStreamLayer) Close() error {
	w.Lock()
	defer w.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	close(w.shutdownCh)

	w.signal.Close()

	for _, pc := range w.peerConnections {
		pc.Close()
	}

	for _, dc := range w.dataChannels {
		dc.Close()
	}
	return nil
}

// Addr implements the net.Listener interface
func (w *WebRTCStreamLayer) Addr() net.Addr {
	return nil
}

// AdvertiseAddr implements the StreamLayer interface. Peers dial us by node
// id through the signal.
func (w *WebRTCStreamLayer) AdvertiseAddr() string {
	return w.signal.ID()
}
