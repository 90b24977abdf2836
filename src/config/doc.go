// Package config defines the configuration for a state node.
//
// Regardless of how the node is started, directly from Go code or with the
// statenode command, it uses the Config object defined in this package. On
// top of these options, the node relies on a data directory, defined by
// Config.DataDir, where it expects to find a few additional files:
//
//	priv_key       // hex private key of the node (cf. statenode keygen)
//	peers.json     // (optional) JSON list of bootstrap peers
//	statenode.toml // (optional) configuration file, same keys as the flags
//	cert.pem       // (optional) x509 certificate of the WebRTC signaling server
//	badger_db/     // the node's database
package config
