package sdk

import (
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"
)

// Serve registers plugins and serves them to the sniffer service. It is
// the entry point of every bundle and blocks until the service disconnects.
// Plugins without an ID are dropped, the first plugin wins on duplicate IDs.
func Serve(plugins ...Plugin) {
	var valid []Plugin
	for _, p := range plugins {
		if p == nil || p.Descriptor().ID == "" {
			continue
		}
		valid = append(valid, p)
	}

	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: plugin.PluginSet{
			PluginName: &BundlePlugin{Plugins: valid},
		},
		Logger: hclog.New(&hclog.LoggerOptions{
			Name:       "bundle",
			Level:      hclog.Info,
			Output:     os.Stderr,
			JSONFormat: true,
		}),
	})
}
