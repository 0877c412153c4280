package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/drone/envsubst"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/version"
	"gopkg.in/yaml.v2"

	"github.com/vmirz/kaspr/cmd/kaspr/app"
	"github.com/vmirz/kaspr/pkg/util/log"
)

const appName = "kaspr"

func init() {
	prometheus.MustRegister(version.NewCollector(appName))
}

func main() {
	printVersion := flag.Bool("version", false, "Print this build's version information")

	config, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed parsing config: %v\n", err)
		os.Exit(1)
	}
	if *printVersion {
		fmt.Println(version.Print(appName))
		os.Exit(0)
	}

	log.InitLogger(config.LogLevel, config.LogFormat)

	a, err := app.New(*config)
	if err != nil {
		level.Error(log.Logger).Log("msg", "error initialising kaspr", "err", err)
		os.Exit(1)
	}

	level.Info(log.Logger).Log("msg", "starting kaspr", "version", version.Info())

	if err := a.Run(); err != nil {
		level.Error(log.Logger).Log("msg", "error running kaspr", "err", err)
		os.Exit(1)
	}
}

// loadConfig reads flags and the optional -config.file YAML, expanding
// ${ENV} references before unmarshalling when -config.expand-env is set.
// Flags win over file values.
func loadConfig() (*app.Config, error) {
	const (
		configFileOption      = "config.file"
		configExpandEnvOption = "config.expand-env"
	)

	var (
		configFile      string
		configExpandEnv bool
	)

	args := os.Args[1:]
	config := &app.Config{}

	// First pass: only look for the config file option.
	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Usage = func() {}
	fs.StringVar(&configFile, configFileOption, "", "")
	fs.BoolVar(&configExpandEnv, configExpandEnvOption, false, "")
	for len(args) > 0 {
		_ = fs.Parse(args)
		args = args[1:]
	}

	config.RegisterFlagsAndApplyDefaults("", flag.CommandLine)

	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
		if configExpandEnv {
			s, err := envsubst.EvalEnv(string(buf))
			if err != nil {
				return nil, fmt.Errorf("failed to expand env vars in config: %w", err)
			}
			buf = []byte(s)
		}
		if err := yaml.UnmarshalStrict(buf, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Second pass: flags override file values.
	flag.StringVar(&configFile, configFileOption, "", "Path to the YAML config file.")
	flag.BoolVar(&configExpandEnv, configExpandEnvOption, false, "Expand ${VAR} references in the config file.")
	flag.Parse()

	return config, nil
}
