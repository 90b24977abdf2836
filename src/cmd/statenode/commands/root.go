package commands

import (
	"github.com/monas/monas-state-node/src/config"
	"github.com/spf13/cobra"
)

var (
	_config = config.NewDefaultConfig()
)

// RootCmd is the root command for statenode
var RootCmd = &cobra.Command{
	Use:              "statenode",
	Short:            "monas state node",
	TraverseChildren: true,
}
