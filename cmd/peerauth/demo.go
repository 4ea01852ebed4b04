package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/backkem/peerauth/pkg/config"
	"github.com/backkem/peerauth/pkg/credentials"
	"github.com/backkem/peerauth/pkg/metrics"
	"github.com/backkem/peerauth/pkg/securechannel"
	"github.com/backkem/peerauth/pkg/transport"
)

type demoOptions struct {
	ConfigFile  string
	Initiator   string
	Responder   string
	Message     string
	Timeout     time.Duration
	ShowMetrics bool
}

func newDemoCommand() *cobra.Command {
	opts := demoOptions{}

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a handshake between two configured devices",
		Long: `demo loads two devices from the config file, connects them with an
in-memory link limited to the configured fragment size, runs the handshake
and exchanges one encrypted message in each direction.`,
		Example: `  peerauth demo --config ./demo/peerauth.yaml --message "hello"`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.ConfigFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
			defer cancel()
			return runDemo(ctx, cfg, opts, cmd.OutOrStdout(), cfg.LoggerFactory(cmd.ErrOrStderr()))
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigFile, "config", "c", configFileName, "configuration file")
	cmd.Flags().StringVar(&opts.Initiator, "initiator", "", "initiator device name (default: first initiator)")
	cmd.Flags().StringVar(&opts.Responder, "responder", "", "responder device name (default: first responder)")
	cmd.Flags().StringVarP(&opts.Message, "message", "m", "hello", "application message to exchange")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "overall timeout")
	cmd.Flags().BoolVar(&opts.ShowMetrics, "metrics", false, "print handshake metrics when done")
	return cmd
}

// demoEvent is a Manager callback observed by the demo.
type demoEvent struct {
	role    securechannel.Role
	info    *securechannel.SessionInfo
	err     error
	stage   string
	payload []byte
}

func pickDevice(cfg *config.Config, name, role string) (config.Device, error) {
	if name != "" {
		d, ok := cfg.Device(name)
		if !ok {
			return d, fmt.Errorf("device %q not in config", name)
		}
		return d, nil
	}
	d, ok := cfg.FirstWithRole(role)
	if !ok {
		return d, fmt.Errorf("config has no %s device", role)
	}
	return d, nil
}

func loadStore(d config.Device) (*credentials.FileStore, error) {
	store := credentials.NewFileStore(d.Credentials)
	if err := store.Load(); err != nil {
		return nil, fmt.Errorf("device %s: %w", d.Name, err)
	}
	return store, nil
}

func runDemo(ctx context.Context, cfg *config.Config, opts demoOptions, out io.Writer, lf logging.LoggerFactory) error {
	initDev, err := pickDevice(cfg, opts.Initiator, config.RoleInitiator)
	if err != nil {
		return err
	}
	respDev, err := pickDevice(cfg, opts.Responder, config.RoleResponder)
	if err != nil {
		return err
	}
	if initDev.Name == respDev.Name {
		return fmt.Errorf("initiator and responder are both %q", initDev.Name)
	}
	initStore, err := loadStore(initDev)
	if err != nil {
		return err
	}
	respStore, err := loadStore(respDev)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}

	pipeConfig := transport.DefaultPipeConfig()
	pipeConfig.MaxFragmentSize = cfg.Link.MaxFragmentSize
	pipeConfig.LoggerFactory = lf
	pipe := transport.NewPipe(transport.PeerID(initDev.Name), transport.PeerID(respDev.Name), pipeConfig)
	defer pipe.Close()

	events := make(chan demoEvent, 16)
	newManager := func(role securechannel.Role, store credentials.Store, ep *transport.PipeEndpoint) (*securechannel.Manager, error) {
		return securechannel.NewManager(securechannel.ManagerConfig{
			Role:           role,
			Store:          store,
			Transport:      ep,
			MaxMessageSize: cfg.MaxMessageSize,
			FlowControl:    cfg.Link.FlowControl,
			Metrics:        m,
			LoggerFactory:  lf,
			Callbacks: securechannel.Callbacks{
				OnSessionEstablished: func(_ transport.PeerID, info securechannel.SessionInfo) {
					events <- demoEvent{role: role, info: &info}
				},
				OnSessionError: func(_ transport.PeerID, err error, stage string) {
					events <- demoEvent{role: role, err: err, stage: stage}
				},
				OnAppData: func(_ transport.PeerID, payload []byte) {
					events <- demoEvent{role: role, payload: payload}
				},
			},
		})
	}

	initMgr, err := newManager(securechannel.RoleInitiator, initStore, pipe.Endpoint(0))
	if err != nil {
		return err
	}
	defer initMgr.Close()
	respMgr, err := newManager(securechannel.RoleResponder, respStore, pipe.Endpoint(1))
	if err != nil {
		return err
	}
	defer respMgr.Close()

	fmt.Fprintf(out, "%s (initiator) <-> %s (responder), mtu %d, flow control %v\n",
		initDev.Name, respDev.Name, cfg.Link.MaxFragmentSize, cfg.Link.FlowControl)

	if err := pipe.Endpoint(1).Start(respMgr); err != nil {
		return err
	}
	if err := pipe.Endpoint(0).Start(initMgr); err != nil {
		return err
	}

	initPeer := transport.PeerID(respDev.Name)
	respPeer := transport.PeerID(initDev.Name)

	established := 0
	received := 0
	for received < 2 {
		var ev demoEvent
		select {
		case <-ctx.Done():
			return fmt.Errorf("demo: %w", ctx.Err())
		case ev = <-events:
		}

		switch {
		case ev.err != nil:
			return fmt.Errorf("%s failed at %s: %w", ev.role, ev.stage, ev.err)
		case ev.info != nil:
			fmt.Fprintf(out, "%s: session %s established with %q\n", ev.role, ev.info.ConnectionID, ev.info.PeerSubject)
			if established++; established < 2 {
				continue
			}
			key, ok := initMgr.SessionKey(initPeer)
			if !ok {
				return errors.New("demo: initiator has no session key")
			}
			sum := sha256.Sum256(key[:])
			fmt.Fprintf(out, "session key fingerprint: %s\n", hex.EncodeToString(sum[:8]))
			if err := initMgr.SendAppData(initPeer, []byte(opts.Message)); err != nil {
				return err
			}
		case ev.payload != nil:
			received++
			fmt.Fprintf(out, "%s received: %q\n", ev.role, ev.payload)
			if ev.role == securechannel.RoleResponder {
				reply := append([]byte("ack: "), ev.payload...)
				if err := respMgr.SendAppData(respPeer, reply); err != nil {
					return err
				}
			}
		}
	}

	if opts.ShowMetrics {
		return writeMetrics(out, reg)
	}
	return nil
}

func writeMetrics(out io.Writer, reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(out, mf); err != nil {
			return err
		}
	}
	return nil
}
