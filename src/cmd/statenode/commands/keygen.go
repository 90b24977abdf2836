package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/monas/monas-state-node/src/config"
	"github.com/monas/monas-state-node/src/crypto/keys"
	"github.com/spf13/cobra"
)

var (
	privKeyFile string
)

// NewKeygenCmd produces a KeygenCmd which creates the node's private key
func NewKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create a new private key",
		RunE:  keygen,
	}

	AddKeygenFlags(cmd)

	return cmd
}

// AddKeygenFlags adds flags to the keygen command
func AddKeygenFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&privKeyFile, "priv", filepath.Join(_config.DataDir, config.DefaultKeyfile), "File where the private key will be written")
}

func keygen(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(privKeyFile); err == nil {
		return fmt.Errorf("A key already lives under: %s", filepath.Dir(privKeyFile))
	}

	key, err := keys.GenerateKey()
	if err != nil {
		return fmt.Errorf("Error generating key: %s", err)
	}

	if err := keys.NewKeyfile(privKeyFile).WriteKey(key); err != nil {
		return fmt.Errorf("Writing private key: %s", err)
	}

	fmt.Printf("Your private key has been saved to: %s\n", privKeyFile)
	fmt.Printf("Node id: %s\n", keys.NodeID(key))

	return nil
}
