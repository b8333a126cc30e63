package cmds

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/stark-io/stark/pkg/agent"
	"github.com/stark-io/stark/pkg/signals"
	"github.com/stark-io/stark/pkg/stark"
	"github.com/stark-io/stark/pkg/version"
)

type AgentConfig struct {
	ServerURL      string
	Token          string
	NodeName       string
	RuntimeType    string
	RuntimeVersion string
	SandboxURL     string
	CPU            int64
	Memory         int64
	Storage        int64
	MaxPods        int64
}

var agentConfig AgentConfig

func NewAgentCommand() *cli.Command {
	return &cli.Command{
		Name:   "agent",
		Usage:  "Run a worker node agent",
		Action: InitLogging(runAgent),
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:        "server",
				Aliases:     []string{"s"},
				Usage:       "(cluster) Server to connect to",
				EnvVars:     []string{version.ProgramUpper + "_URL"},
				Destination: &agentConfig.ServerURL,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "token",
				Aliases:     []string{"t"},
				Usage:       "(cluster) Token to use for authentication",
				EnvVars:     []string{version.ProgramUpper + "_TOKEN"},
				Destination: &agentConfig.Token,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "node-name",
				Usage:       "(agent/node) Node name, defaults to the hostname",
				EnvVars:     []string{version.ProgramUpper + "_NODE_NAME"},
				Destination: &agentConfig.NodeName,
			},
			&cli.StringFlag{
				Name:        "runtime-type",
				Usage:       "(agent/runtime) Runtime type, node or browser",
				Value:       string(stark.RuntimeNode),
				Destination: &agentConfig.RuntimeType,
			},
			&cli.StringFlag{
				Name:        "runtime-version",
				Usage:       "(agent/runtime) Version reported for minNodeVersion checks",
				Destination: &agentConfig.RuntimeVersion,
			},
			&cli.StringFlag{
				Name:        "sandbox-url",
				Usage:       "(agent/runtime) Control endpoint of the local sandbox",
				Value:       "http://127.0.0.1:7180",
				Destination: &agentConfig.SandboxURL,
			},
			&cli.Int64Flag{
				Name:        "cpu",
				Usage:       "(agent/node) Allocatable CPU in millicores",
				Value:       1000,
				Destination: &agentConfig.CPU,
			},
			&cli.Int64Flag{
				Name:        "memory",
				Usage:       "(agent/node) Allocatable memory in MiB",
				Value:       1024,
				Destination: &agentConfig.Memory,
			},
			&cli.Int64Flag{
				Name:        "storage",
				Usage:       "(agent/node) Allocatable storage in MiB",
				Value:       10240,
				Destination: &agentConfig.Storage,
			},
			&cli.Int64Flag{
				Name:        "max-pods",
				Usage:       "(agent/node) Maximum pods this node accepts",
				Value:       16,
				Destination: &agentConfig.MaxPods,
			},
		}, LogFlags()...),
	}
}

func runAgent(clx *cli.Context) error {
	ctx := signals.SetupSignalContext()
	cfg := agentConfig

	if cfg.NodeName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return errors.Wrap(err, "failed to determine node name")
		}
		cfg.NodeName = hostname
	}
	runtimeType := stark.RuntimeType(cfg.RuntimeType)
	if runtimeType != stark.RuntimeNode && runtimeType != stark.RuntimeBrowser {
		return errors.Errorf("unknown runtime type %q", cfg.RuntimeType)
	}

	supervisor := agent.NewSupervisor(agent.NewHTTPSandbox(cfg.SandboxURL))
	agentCfg := agent.DefaultConfig()
	agentCfg.ServerURL = cfg.ServerURL
	agentCfg.Token = cfg.Token
	agentCfg.NodeName = cfg.NodeName
	agentCfg.RuntimeType = runtimeType
	agentCfg.RuntimeVersion = cfg.RuntimeVersion
	agentCfg.Allocatable = stark.ResourceList{
		CPU:     cfg.CPU,
		Memory:  cfg.Memory,
		Storage: cfg.Storage,
		Pods:    cfg.MaxPods,
	}

	logrus.Infof("Starting %s agent %s as node %s", version.Program, version.Version, cfg.NodeName)
	err := agent.New(agentCfg, supervisor).Run(ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}
