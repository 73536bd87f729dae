package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"

	"github.com/CZERTAINLY/CodeSniffer/internal/log"
	"github.com/CZERTAINLY/CodeSniffer/internal/model"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	_ "go.uber.org/automaxprocs"
)

const configName = "sniffer.yaml"

var (
	userConfigPath string // /default/config/path/sniffer on given OS
	configPath     string // actual config file used
	config         *model.Config
	closeLog       = func() error { return nil }

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

// envKeys can be overridden by SNIFFER_<KEY> variables, dots replaced by
// underscores, e.g. SNIFFER_REPORTS_TOKEN.
var envKeys = []string{
	"service.listen",
	"service.database",
	"service.log",
	"service.checkout_path",
	"plugins.upload_path",
	"reports.forward_url",
	"reports.token",
}

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "sniffer")
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is "+configName+" in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	rootCmd.SilenceErrors = true

	rootCmd.PersistentPreRunE = initSniffer
	rootCmd.PersistentPostRunE = func(*cobra.Command, []string) error {
		return closeLog()
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(pluginsCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("sniffer failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "sniffer",
	Short:        "Service running check plugins against revisions of source repositories",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run the scan service and its HTTP API",
	RunE:  doRun,
}

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "list plugin bundles found on configured paths",
	RunE:  doPlugins,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a sniffer",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("sniffer: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:  %s\n", configPath)
		}
		fmt.Printf("sniffer: %s\n", info.Main.Version)
		fmt.Printf("go:      %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:  %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:    %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:   %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func initSniffer(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("SNIFFERCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, configName)
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	var err error
	if configPath == "" {
		configPath = filepath.Join(userConfigPath, configName)
		config, err = storeDefault(configPath)
	} else {
		config, err = loadConfig(configPath)
	}
	if err != nil {
		return err
	}

	if err := applyEnv(config); err != nil {
		return err
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}

	w, closer, err := log.Open(config.Service.Log)
	if err != nil {
		return err
	}
	closeLog = closer
	slog.SetDefault(log.New(w, config.Service.Verbose))

	slog.Debug("sniffer run", "configPath", configPath)
	slog.Debug("sniffer run", "config", config)
	return nil
}

func storeDefault(path string) (*model.Config, error) {
	cfg, b, err := model.DefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("default configuration: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return nil, fmt.Errorf("storing configuration: %w", err)
	}
	return cfg, nil
}

func loadConfig(path string) (*model.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	cfg, err := model.LoadConfig(f)
	if err != nil {
		for _, d := range model.CueErrDetails(err) {
			slog.Error("invalid configuration", d.Attr("detail"))
		}
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// applyEnv overrides string settings of cfg by the environment.
func applyEnv(cfg *model.Config) error {
	v := viper.New()
	v.SetEnvPrefix("SNIFFER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("binding %s: %w", key, err)
		}
	}

	set := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	setPtr := func(key string, dst **string) {
		if v.IsSet(key) {
			s := v.GetString(key)
			*dst = &s
		}
	}
	set("service.listen", &cfg.Service.Listen)
	set("service.database", &cfg.Service.Database)
	set("service.log", &cfg.Service.Log)
	set("service.checkout_path", &cfg.Service.CheckoutPath)
	set("plugins.upload_path", &cfg.Plugins.UploadPath)
	setPtr("reports.forward_url", &cfg.Reports.ForwardURL)
	setPtr("reports.token", &cfg.Reports.Token)
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
