package cmds

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/stark-io/stark/pkg/agent/dispatch"
	"github.com/stark-io/stark/pkg/apierror"
	"github.com/stark-io/stark/pkg/controller"
	"github.com/stark-io/stark/pkg/events"
	"github.com/stark-io/stark/pkg/network"
	"github.com/stark-io/stark/pkg/nodes"
	"github.com/stark-io/stark/pkg/reconciler"
	"github.com/stark-io/stark/pkg/scheduler"
	"github.com/stark-io/stark/pkg/server"
	"github.com/stark-io/stark/pkg/signals"
	"github.com/stark-io/stark/pkg/stark"
	"github.com/stark-io/stark/pkg/store"
	"github.com/stark-io/stark/pkg/version"
)

type ServerConfig struct {
	BindAddress       string
	Port              int
	DatastoreEndpoint string
	AuthURL           string
	Token             string
	AgentToken        string
	TLSCertFile       string
	TLSKeyFile        string

	Defaults Defaults
}

var serverConfig = ServerConfig{Defaults: NewDefaults()}

func NewServerCommand() *cli.Command {
	return &cli.Command{
		Name:   "server",
		Usage:  "Run the control plane",
		Action: InitLogging(runServer),
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:        "bind-address",
				Usage:       "(listener) Control API bind address",
				Value:       "0.0.0.0",
				Destination: &serverConfig.BindAddress,
			},
			&cli.IntFlag{
				Name:        "port",
				Usage:       "(listener) Control API port",
				EnvVars:     []string{version.ProgramUpper + "_PORT"},
				Value:       6440,
				Destination: &serverConfig.Port,
			},
			&cli.StringFlag{
				Name:        "datastore-endpoint",
				Usage:       "(db) PostgreSQL connection string; empty runs the in-memory store",
				EnvVars:     []string{version.ProgramUpper + "_DATASTORE_ENDPOINT"},
				Destination: &serverConfig.DatastoreEndpoint,
			},
			&cli.StringFlag{
				Name:        "auth-url",
				Usage:       "(auth) Token verification endpoint of the auth collaborator",
				EnvVars:     []string{version.ProgramUpper + "_AUTH_URL"},
				Destination: &serverConfig.AuthURL,
			},
			&cli.StringFlag{
				Name:        "token",
				Usage:       "(auth) Static admin token, used when no auth-url is set",
				EnvVars:     []string{version.ProgramUpper + "_TOKEN"},
				Destination: &serverConfig.Token,
			},
			&cli.StringFlag{
				Name:        "agent-token",
				Usage:       "(auth) Static token agents use to join, used when no auth-url is set",
				EnvVars:     []string{version.ProgramUpper + "_AGENT_TOKEN"},
				Destination: &serverConfig.AgentToken,
			},
			&cli.StringFlag{
				Name:        "tls-cert-file",
				Usage:       "(listener) Serve the control API with this certificate",
				Destination: &serverConfig.TLSCertFile,
			},
			&cli.StringFlag{
				Name:        "tls-key-file",
				Usage:       "(listener) Key for tls-cert-file",
				Destination: &serverConfig.TLSKeyFile,
			},
			&cli.DurationFlag{
				Name:        "heartbeat-interval",
				Usage:       "(agent) Heartbeat interval pushed to agents",
				Value:       serverConfig.Defaults.HeartbeatInterval,
				Destination: &serverConfig.Defaults.HeartbeatInterval,
			},
			&cli.DurationFlag{
				Name:        "node-unhealthy-after",
				Usage:       "(agent) Silence before a node is marked unhealthy",
				Value:       serverConfig.Defaults.UnhealthyAfter,
				Destination: &serverConfig.Defaults.UnhealthyAfter,
			},
			&cli.DurationFlag{
				Name:        "node-offline-after",
				Usage:       "(agent) Silence before a node is marked offline and its pods evicted",
				Value:       serverConfig.Defaults.OfflineAfter,
				Destination: &serverConfig.Defaults.OfflineAfter,
			},
		}, LogFlags()...),
	}
}

// lateCommander breaks the construction cycle between the registry, the
// fabric, and the agent channel: consumers get it immediately, the real
// dispatch server is bound once it exists.
type lateCommander struct {
	mu sync.RWMutex
	d  *dispatch.Server
}

func (l *lateCommander) bind(d *dispatch.Server) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.d = d
}

func (l *lateCommander) Send(ctx context.Context, nodeID string, msg *stark.Message) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.d == nil {
		return errors.New("agent channel not ready")
	}
	return l.d.Send(ctx, nodeID, msg)
}

func (l *lateCommander) ConnectedNodeIDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.d == nil {
		return nil
	}
	return l.d.ConnectedNodeIDs()
}

func runServer(clx *cli.Context) error {
	ctx := signals.SetupSignalContext()
	cfg := serverConfig

	bus := events.NewBus()
	go events.RunAudit(ctx, bus)

	var st store.Interface
	var err error
	if cfg.DatastoreEndpoint != "" {
		st, err = store.NewSQL(ctx, cfg.DatastoreEndpoint, bus)
		if err != nil {
			return errors.Wrap(err, "failed to open datastore")
		}
	} else {
		logrus.Warn("No datastore-endpoint given, state will not survive restarts")
		st = store.NewMemory(bus)
	}
	if err := ensureDefaultNamespace(ctx, st); err != nil {
		return err
	}

	auth := buildAuthenticator(cfg)
	commander := &lateCommander{}

	nodesCfg := nodes.DefaultConfig()
	nodesCfg.HeartbeatInterval = cfg.Defaults.HeartbeatInterval
	nodesCfg.UnhealthyAfter = cfg.Defaults.UnhealthyAfter
	nodesCfg.OfflineAfter = cfg.Defaults.OfflineAfter
	registry := nodes.NewRegistry(st, commander, nodesCfg)

	fabric := network.NewFabric(st, bus, commander)

	dispatchCfg := dispatch.DefaultConfig()
	dispatchCfg.HeartbeatInterval = cfg.Defaults.HeartbeatInterval
	disp := dispatch.NewServer(server.DispatchAuthenticator{Auth: auth}, registry, registry, fabric, dispatchCfg)
	commander.bind(disp)

	sched := scheduler.New(st, commander, registry, nil)

	reconcilerCfg := reconciler.DefaultConfig()
	reconcilerCfg.FailWindow = cfg.Defaults.CrashLoopWindow
	reconcilerCfg.BackoffMax = cfg.Defaults.BackoffMax
	rec := reconciler.New(st, commander, reconcilerCfg)

	ctrl := controller.New(bus, st, registry, sched, rec)

	api := server.New(server.Config{
		BindAddress: cfg.BindAddress,
		Port:        cfg.Port,
		AuthURL:     cfg.AuthURL,
		TLSCertFile: cfg.TLSCertFile,
		TLSKeyFile:  cfg.TLSKeyFile,
	}, st, registry, rec, fabric, disp, bus, auth)

	logrus.Infof("Starting %s server %s", version.Program, version.Version)
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return fabric.Run(ctx) })
	group.Go(func() error { return ctrl.Run(ctx) })
	group.Go(func() error { return api.Run(ctx) })

	err = group.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

func buildAuthenticator(cfg ServerConfig) server.Authenticator {
	if cfg.AuthURL != "" {
		return server.NewHTTPAuthenticator(cfg.AuthURL)
	}
	tokens := map[string]server.Principal{}
	if cfg.Token != "" {
		tokens[cfg.Token] = server.Principal{ID: "admin", Admin: true}
	}
	if cfg.AgentToken != "" {
		tokens[cfg.AgentToken] = server.Principal{ID: "agent"}
	}
	if len(tokens) == 0 {
		logrus.Warn("No token or auth-url configured, every request will be rejected")
	}
	return server.NewStaticAuthenticator(tokens)
}

func ensureDefaultNamespace(ctx context.Context, st store.Interface) error {
	_, err := st.Namespaces().GetByName(ctx, "default")
	if err == nil {
		return nil
	}
	if !apierror.IsNotFound(err) {
		return err
	}
	return st.Namespaces().Create(ctx, &stark.Namespace{
		Name:      "default",
		Phase:     stark.NamespaceActive,
		CreatedBy: "system",
	})
}
