package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/CZERTAINLY/CodeSniffer/internal/log"
	"github.com/CZERTAINLY/CodeSniffer/pkg/sdk"
	goplugin "github.com/hashicorp/go-plugin"
)

// Loader starts a bundle.
type Loader interface {
	Load(ctx context.Context, dir, entryPoint string) (Module, error)
}

// Module is one running load of a bundle.
type Module interface {
	Plugins() []sdk.Plugin
	// Kill asks the module to go away, Exited reports when it did.
	Kill()
	Exited() bool
}

// ProcessLoader runs every bundle in its own process through go-plugin.
type ProcessLoader struct {
	Logger  *slog.Logger
	Verbose bool
}

func (l ProcessLoader) Load(ctx context.Context, dir, entryPoint string) (Module, error) {
	cmd := exec.Command(entryPoint)
	cmd.Dir = dir

	client := goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig:  sdk.Handshake,
		Plugins:          goplugin.PluginSet{sdk.PluginName: &sdk.BundlePlugin{}},
		Cmd:              cmd,
		AllowedProtocols: []goplugin.Protocol{goplugin.ProtocolNetRPC},
		Logger:           log.HCLog(l.Logger, "bundle", l.Verbose),
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("connecting to bundle: %w", err)
	}
	raw, err := rpcClient.Dispense(sdk.PluginName)
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("dispensing bundle: %w", err)
	}
	bundle, ok := raw.(*sdk.RPCClient)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("unexpected bundle client %T", raw)
	}
	plugins, err := bundle.Plugins(ctx)
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("describing bundle: %w", err)
	}
	return &processModule{client: client, plugins: plugins}, nil
}

type processModule struct {
	client  *goplugin.Client
	plugins []sdk.Plugin
}

func (m *processModule) Plugins() []sdk.Plugin { return m.plugins }
func (m *processModule) Kill()                 { m.client.Kill() }
func (m *processModule) Exited() bool          { return m.client.Exited() }
