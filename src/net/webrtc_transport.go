package net

import (
	"time"

	"github.com/monas/monas-state-node/src/net/signal"
	webrtc "github.com/pion/webrtc/v2"
	"github.com/sirupsen/logrus"
)

// NewWebRTCTransport returns a NetworkTransport that is built on top of a
// WebRTC StreamLayer. The signal is a mechanism for peers to exchange
// connection information prior to establishing a direct p2p link.
func NewWebRTCTransport(
	signal signal.Signal,
	iceServers []webrtc.ICEServer,
	maxPool int,
	timeout time.Duration,
	logger *logrus.Entry,
) (*NetworkTransport, error) {

	stream := NewWebRTCStreamLayer(signal, iceServers, logger)

	go func() {
		if err := stream.listen(); err != nil {
			logger.WithError(err).Error("WebRTC signal listener stopped")
		}
	}()

	return NewNetworkTransport(stream, maxPool, timeout, logger), nil
}
