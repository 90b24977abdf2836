package mobile

import (
	"strings"
	"time"

	"github.com/monas/monas-state-node/src/config"
)

// MobileConfig holds the few settings a mobile application controls. Every
// other setting keeps its default.
type MobileConfig struct {
	DataDir    string // Directory of the database
	TCPTimeout int    // Request timeout in milliseconds
	MaxPool    int    // Max number of pooled connections
	Capacity   int64  // Storage capacity in bytes, 0 to stay unregistered
	Bootstrap  string // Comma-separated addresses of nodes to join through
	LogLevel   string
}

// NewMobileConfig ...
func NewMobileConfig(dataDir string,
	tcpTimeout int,
	maxPool int,
	capacity int64,
	bootstrap string,
	logLevel string) *MobileConfig {

	return &MobileConfig{
		DataDir:    dataDir,
		TCPTimeout: tcpTimeout,
		MaxPool:    maxPool,
		Capacity:   capacity,
		Bootstrap:  bootstrap,
		LogLevel:   logLevel,
	}
}

// DefaultMobileConfig ...
func DefaultMobileConfig() *MobileConfig {
	return &MobileConfig{
		TCPTimeout: 1000,
		MaxPool:    2,
		LogLevel:   "info",
	}
}

func (c *MobileConfig) toConfig() *config.Config {
	conf := config.NewDefaultConfig()

	if c.DataDir != "" {
		conf.DataDir = c.DataDir
	}
	conf.TCPTimeout = time.Duration(c.TCPTimeout) * time.Millisecond
	conf.MaxPool = c.MaxPool
	conf.LogLevel = c.LogLevel
	conf.NoService = true

	if c.Capacity > 0 {
		conf.Capacity = uint64(c.Capacity)
	}

	for _, addr := range strings.Split(c.Bootstrap, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			conf.Bootstrap = append(conf.Bootstrap, addr)
		}
	}

	return conf
}
