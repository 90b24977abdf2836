package config

import (
	"crypto/ecdsa"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/monas/monas-state-node/src/common"
	webrtc "github.com/pion/webrtc/v2"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// Default filenames.
const (
	// DefaultKeyfile is the default name of the file containing the node's
	// private key
	DefaultKeyfile = "priv_key"

	// DefaultBadgerFile is the default name of the folder containing the Badger
	// database
	DefaultBadgerFile = "badger_db"

	// DefaultCertFile is the default name of the file containing the TLS
	// certificate for connecting to the signaling server.
	DefaultCertFile = "cert.pem"

	// DefaultPeersFile is the name of the optional JSON file listing bootstrap
	// peers.
	DefaultPeersFile = "peers.json"

	// DefaultConfigFile is the name, without extension, of the optional
	// configuration file read from the data directory.
	DefaultConfigFile = "statenode"
)

// Transports.
const (
	TCPTransport    = "tcp"
	WebRTCTransport = "webrtc"
	InmemTransport  = "inmem"
)

// Default configuration values.
const (
	DefaultLogLevel         = "info"
	DefaultBindAddr         = "127.0.0.1:1337"
	DefaultServiceAddr      = "127.0.0.1:8000"
	DefaultTransport        = TCPTransport
	DefaultTCPTimeout       = 1000 * time.Millisecond
	DefaultMaxPool          = 2
	DefaultSignalAddr       = "127.0.0.1:2443"
	DefaultSignalRealm      = "main"
	DefaultSignalSkipVerify = false
	DefaultICEAddress       = "stun:stun.l.google.com:19302"
	DefaultICEUsername      = ""
	DefaultICEPassword      = ""
	DefaultReplication      = 3
	DefaultSyncInterval     = 30 * time.Second
	DefaultRetryInterval    = 5 * time.Second
	DefaultRetrySweep       = 10 * time.Second
	DefaultCleanupInterval  = time.Hour
	DefaultMaxRetries       = 5
	DefaultOutboxRetention  = 24 * time.Hour
	DefaultInboxRetention   = 7 * 24 * time.Hour
	DefaultGossipTTL        = 6
)

// Config contains all the configuration properties of a state node.
type Config struct {
	// DataDir is the top-level directory containing the node's key, optional
	// configuration files and database.
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// LogFile, when set, receives a JSON copy of every log entry.
	LogFile string `mapstructure:"log-file"`

	// NodeID overrides the id derived from the private key.
	NodeID string `mapstructure:"node-id"`

	// BindAddr is the local address:port where this node talks to other nodes.
	BindAddr string `mapstructure:"listen"`

	// AdvertiseAddr is used to change the address that we advertise to other
	// nodes.
	AdvertiseAddr string `mapstructure:"advertise"`

	// Bootstrap lists the addresses of nodes contacted at startup, on top of
	// those found in peers.json.
	Bootstrap []string `mapstructure:"bootstrap"`

	// Transport is one of tcp, webrtc or inmem.
	Transport string `mapstructure:"transport"`

	// NoService disables the HTTP API service.
	NoService bool `mapstructure:"no-service"`

	// ServiceAddr is the address:port of the HTTP API service.
	ServiceAddr string `mapstructure:"service-listen"`

	// MaxPool controls how many connections are pooled per target.
	MaxPool int `mapstructure:"max-pool"`

	// TCPTimeout bounds every request to another node. It also applies to
	// WebRTC connections.
	TCPTimeout time.Duration `mapstructure:"timeout"`

	// SignalAddr is the IP:PORT of the WebRTC signaling server. It is ignored
	// unless Transport is webrtc. A self-signed certificate for the server
	// can be placed in cert.pem in the datadir.
	SignalAddr string `mapstructure:"signal-addr"`

	// SignalRealm is an administrative domain within the WebRTC signaling
	// server. WebRTC signaling messages are only routed within a Realm.
	SignalRealm string `mapstructure:"signal-realm"`

	// SignalSkipVerify controls whether the signal client verifies the server's
	// certificate chain and host name. This should be used only for testing.
	SignalSkipVerify bool `mapstructure:"signal-skip-verify"`

	// ICEAddress is the URI of a STUN or TURN server used to connect WebRTC
	// peers.
	ICEAddress string `mapstructure:"ice-addr"`

	// ICEUsername is the username used to authenticate with the ICE server.
	ICEUsername string `mapstructure:"ice-username"`

	// ICEPassword is the password used to authenticate with the ICE server.
	ICEPassword string `mapstructure:"ice-password"`

	// Capacity is the storage capacity, in bytes, the node registers with.
	// Zero leaves the node unregistered.
	Capacity uint64 `mapstructure:"capacity"`

	// Replication is the number of closest peers considered as members of a
	// new content network.
	Replication int `mapstructure:"replication"`

	// GossipTTL is the number of hops a gossip message travels.
	GossipTTL int `mapstructure:"gossip-ttl"`

	// SyncInterval is the period of the pull of all member content.
	SyncInterval time.Duration `mapstructure:"sync-interval"`

	// RetryInterval is the minimum time between two attempts to publish an
	// outbox event.
	RetryInterval time.Duration `mapstructure:"retry-interval"`

	// RetrySweep is the period of the outbox retry loop.
	RetrySweep time.Duration `mapstructure:"retry-sweep"`

	// CleanupInterval is the period of the outbox and inbox retention sweep.
	CleanupInterval time.Duration `mapstructure:"cleanup-interval"`

	// MaxRetries is the number of retries after which an undelivered event is
	// dropped.
	MaxRetries int `mapstructure:"max-retries"`

	// OutboxRetention is how long delivered events are kept.
	OutboxRetention time.Duration `mapstructure:"outbox-retention"`

	// InboxRetention is how long processed event ids are kept.
	InboxRetention time.Duration `mapstructure:"inbox-retention"`

	// Key is the private key of the node.
	Key *ecdsa.PrivateKey

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	config := &Config{
		DataDir:          DefaultDataDir(),
		LogLevel:         DefaultLogLevel,
		BindAddr:         DefaultBindAddr,
		ServiceAddr:      DefaultServiceAddr,
		Transport:        DefaultTransport,
		TCPTimeout:       DefaultTCPTimeout,
		MaxPool:          DefaultMaxPool,
		SignalAddr:       DefaultSignalAddr,
		SignalRealm:      DefaultSignalRealm,
		SignalSkipVerify: DefaultSignalSkipVerify,
		ICEAddress:       DefaultICEAddress,
		ICEUsername:      DefaultICEUsername,
		ICEPassword:      DefaultICEPassword,
		Replication:      DefaultReplication,
		GossipTTL:        DefaultGossipTTL,
		SyncInterval:     DefaultSyncInterval,
		RetryInterval:    DefaultRetryInterval,
		RetrySweep:       DefaultRetrySweep,
		CleanupInterval:  DefaultCleanupInterval,
		MaxRetries:       DefaultMaxRetries,
		OutboxRetention:  DefaultOutboxRetention,
		InboxRetention:   DefaultInboxRetention,
	}

	return config
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB, level logrus.Level) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t, level)
	return config
}

// Keyfile returns the full path of the file containing the private key.
func (c *Config) Keyfile() string {
	return filepath.Join(c.DataDir, DefaultKeyfile)
}

// CertFile returns the full path of the file containing the signal-server TLS
// certificate.
func (c *Config) CertFile() string {
	return filepath.Join(c.DataDir, DefaultCertFile)
}

// DatabaseDir returns the directory of the badger database.
func (c *Config) DatabaseDir() string {
	return filepath.Join(c.DataDir, DefaultBadgerFile)
}

// PeersFile returns the full path of the optional bootstrap peers file.
func (c *Config) PeersFile() string {
	return filepath.Join(c.DataDir, DefaultPeersFile)
}

// ICEServers returns the ICE servers used by the WebRTCStreamLayer. The list
// contains a single server, with password-based authentication.
func (c *Config) ICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{
		{
			URLs:           []string{c.ICEAddress},
			Username:       c.ICEUsername,
			Credential:     c.ICEPassword,
			CredentialType: webrtc.ICECredentialTypePassword,
		},
	}
}

// Logger returns a formatted logrus Entry, with prefix set to "statenode".
// When LogFile is set, every level is also written there as JSON.
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = &prefixed.TextFormatter{FullTimestamp: true}

		if c.LogFile != "" {
			c.logger.AddHook(lfshook.NewHook(
				lfshook.PathMap{
					logrus.DebugLevel: c.LogFile,
					logrus.InfoLevel:  c.LogFile,
					logrus.WarnLevel:  c.LogFile,
					logrus.ErrorLevel: c.LogFile,
					logrus.FatalLevel: c.LogFile,
					logrus.PanicLevel: c.LogFile,
				},
				&logrus.JSONFormatter{},
			))
		}
	}
	return c.logger.WithField("prefix", "statenode")
}

// DefaultDataDir return the default directory name for top-level state node
// config based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	// Try to place the data folder in the user's home dir
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".MonasStateNode")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "MonasStateNode")
		} else {
			return filepath.Join(home, ".monas-state-node")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
