// Command paxosd runs a demo node backed by a tiny integer-set state
// machine, so the Paxos Engine can be exercised end-to-end from the command
// line without an embedder of its own.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	root := &cobra.Command{
		Use:   "paxosd",
		Short: "Run a Multi-Paxos replicated integer-set node",
	}
	root.AddCommand(newServeCmd(v))
	return root
}
