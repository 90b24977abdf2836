package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/monas/monas-state-node/src/config"
	"github.com/monas/monas-state-node/src/statenode"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewRunCmd returns the command that starts a state node
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run node",
		PreRunE: loadConfig,
		RunE:    runStateNode,
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runStateNode(cmd *cobra.Command, args []string) error {
	engine := statenode.NewStateNode(_config)

	if err := engine.Init(); err != nil {
		_config.Logger().Error("Cannot initialize state node: ", err)
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		engine.Shutdown()
	}()

	return engine.Run(context.Background())
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

// AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {

	cmd.Flags().String("datadir", _config.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", _config.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("log-file", _config.LogFile, "Also write JSON logs to this file")
	cmd.Flags().String("node-id", _config.NodeID, "Override the node id derived from the private key")

	// Network
	cmd.Flags().String("transport", _config.Transport, "tcp, webrtc or inmem")
	cmd.Flags().StringP("listen", "l", _config.BindAddr, "Listen IP:Port for the state node")
	cmd.Flags().StringP("advertise", "a", _config.AdvertiseAddr, "Advertise IP:Port for the state node")
	cmd.Flags().StringSlice("bootstrap", _config.Bootstrap, "Addresses of nodes to join through")
	cmd.Flags().DurationP("timeout", "t", _config.TCPTimeout, "Request timeout")
	cmd.Flags().Int("max-pool", _config.MaxPool, "Connection pool size max")
	cmd.Flags().Int("gossip-ttl", _config.GossipTTL, "Hops travelled by gossip messages")

	// WebRTC
	cmd.Flags().String("signal-addr", _config.SignalAddr, "IP:Port of the WebRTC signaling server")
	cmd.Flags().String("signal-realm", _config.SignalRealm, "WebRTC signaling realm")
	cmd.Flags().Bool("signal-skip-verify", _config.SignalSkipVerify, "(Insecure) Accept any certificate presented by the signal server")
	cmd.Flags().String("ice-addr", _config.ICEAddress, "URL of a WebRTC ICE server")
	cmd.Flags().String("ice-username", _config.ICEUsername, "Username to authenticate to the ICE server")
	cmd.Flags().String("ice-password", _config.ICEPassword, "Password to authenticate to the ICE server")

	// Service
	cmd.Flags().Bool("no-service", _config.NoService, "Disable HTTP service")
	cmd.Flags().StringP("service-listen", "s", _config.ServiceAddr, "Listen IP:Port for HTTP service")

	// Node
	cmd.Flags().Uint64("capacity", _config.Capacity, "Storage capacity in bytes to register with (0 to stay unregistered)")
	cmd.Flags().Int("replication", _config.Replication, "Closest peers considered for new content networks")
	cmd.Flags().Duration("sync-interval", _config.SyncInterval, "Time between pulls of all member content")
	cmd.Flags().Duration("retry-interval", _config.RetryInterval, "Minimum time between two attempts to publish an event")
	cmd.Flags().Duration("retry-sweep", _config.RetrySweep, "Time between outbox retry sweeps")
	cmd.Flags().Duration("cleanup-interval", _config.CleanupInterval, "Time between outbox and inbox cleanups")
	cmd.Flags().Int("max-retries", _config.MaxRetries, "Retries before an undelivered event is dropped")
	cmd.Flags().Duration("outbox-retention", _config.OutboxRetention, "How long delivered events are kept")
	cmd.Flags().Duration("inbox-retention", _config.InboxRetention, "How long processed event ids are kept")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	_config.Logger().WithFields(logrus.Fields{
		"DataDir":       _config.DataDir,
		"NodeID":        _config.NodeID,
		"Transport":     _config.Transport,
		"BindAddr":      _config.BindAddr,
		"AdvertiseAddr": _config.AdvertiseAddr,
		"Bootstrap":     _config.Bootstrap,
		"ServiceAddr":   _config.ServiceAddr,
		"NoService":     _config.NoService,
		"MaxPool":       _config.MaxPool,
		"TCPTimeout":    _config.TCPTimeout,
		"Capacity":      _config.Capacity,
		"Replication":   _config.Replication,
		"SyncInterval":  _config.SyncInterval,
		"RetryInterval": _config.RetryInterval,
		"MaxRetries":    _config.MaxRetries,
		"LogLevel":      _config.LogLevel,
	}).Debug("RUN")

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// Register flags with viper. Include flags from this command and all other
	// persistent flags from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for config file in [datadir]/statenode.toml (.json, .yaml also work)
	viper.SetConfigName(config.DefaultConfigFile)
	viper.AddConfigPath(_config.DataDir)

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		_config.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.Logger().Debugf("No config file found in: %s", _config.DataDir)
	} else {
		return err
	}

	// second unmarshal to read from config file
	return viper.Unmarshal(_config)
}
