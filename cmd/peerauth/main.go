// peerauth provisions demo credentials and runs a mutual-authentication
// handshake between two devices over an in-memory fragment link.
//
// Usage:
//
//	peerauth provision --out ./demo --devices sensor,hub
//	peerauth demo --config ./demo/peerauth.yaml
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peerauth",
		Short: "Certificate-based mutual authentication over small-MTU links",
		Long: `peerauth runs a certificate-chain handshake between two devices:
each proves possession of a device key certified under a pinned root, then
both derive a fresh session key for protecting application data.`,
		SilenceUsage: true,
	}
	cmd.AddCommand(newProvisionCommand())
	cmd.AddCommand(newDemoCommand())
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
