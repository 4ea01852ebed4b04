package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/backkem/peerauth/pkg/config"
	"github.com/backkem/peerauth/pkg/credentials"
	"github.com/backkem/peerauth/pkg/crypto"
)

// configFileName is the config written next to the credential directories.
const configFileName = "peerauth.yaml"

type provisionOptions struct {
	OutDir        string
	Devices       []string
	RootName      string
	Intermediates int
	MaxFragment   int
	LogLevel      string
}

func newProvisionCommand() *cobra.Command {
	opts := provisionOptions{}
	defaults := config.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Create a root, intermediates and device credentials",
		Long: `provision generates a root key pair, a chain of intermediate CAs and one
device credential directory per device. It writes a config file that the
demo command can run directly. The first device is the initiator, the rest
are responders.`,
		Example: `  peerauth provision --out ./demo --devices sensor,hub --intermediates 2`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := provision(opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.OutDir, "out", "o", ".", "output directory")
	cmd.Flags().StringSliceVarP(&opts.Devices, "devices", "d", []string{"initiator", "responder"}, "device names")
	cmd.Flags().StringVar(&opts.RootName, "root", "peerauth-root", "root authority name")
	cmd.Flags().IntVar(&opts.Intermediates, "intermediates", 1, "number of intermediate CAs")
	cmd.Flags().IntVar(&opts.MaxFragment, "mtu", defaults.Link.MaxFragmentSize, "max fragment size written to the config")
	cmd.Flags().StringVar(&opts.LogLevel, "log-level", defaults.LogLevel, "log level written to the config")
	return cmd
}

// provision writes credentials and a config file, returning the config path.
func provision(opts provisionOptions) (string, error) {
	if len(opts.Devices) == 0 {
		return "", config.ErrNoDevices
	}
	if opts.Intermediates < 0 || opts.Intermediates >= credentials.MaxChainDepth {
		return "", fmt.Errorf("intermediates must be 0-%d", credentials.MaxChainDepth-1)
	}

	ca, err := credentials.NewRootAuthority(opts.RootName)
	if err != nil {
		return "", err
	}
	root := ca.RootPublicKey()
	for i := 0; i < opts.Intermediates; i++ {
		ca, err = ca.NewIntermediate(fmt.Sprintf("%s-ica-%d", opts.RootName, i+1))
		if err != nil {
			return "", fmt.Errorf("create intermediate: %w", err)
		}
	}

	cfg := config.DefaultConfig()
	cfg.LogLevel = opts.LogLevel
	cfg.Link.MaxFragmentSize = opts.MaxFragment

	for i, name := range opts.Devices {
		name = strings.TrimSpace(name)
		key, err := crypto.GenerateP256KeyPair(nil)
		if err != nil {
			return "", fmt.Errorf("generate key for %s: %w", name, err)
		}
		chain, err := ca.IssueDevice(name, key)
		if err != nil {
			return "", fmt.Errorf("issue %s: %w", name, err)
		}
		store := credentials.NewFileStore(filepath.Join(opts.OutDir, name))
		if err := store.Save(chain, key, root); err != nil {
			return "", fmt.Errorf("save %s: %w", name, err)
		}

		role := config.RoleResponder
		if i == 0 {
			role = config.RoleInitiator
		}
		cfg.Devices = append(cfg.Devices, config.Device{Name: name, Role: role, Credentials: name})
	}

	if err := cfg.Validate(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(opts.OutDir, configFileName)
	if err := cfg.Save(path); err != nil {
		return "", err
	}
	return path, nil
}
