package main

import (
	"io"
	"os"

	"github.com/jessevdk/go-flags"

	"github.com/gwillem/mecharm/pkg/config"
	"github.com/gwillem/mecharm/pkg/log"
)

type Options struct {
	ConfigFile string `short:"c" long:"config" default:"mecharm.yaml" description:"Configuration file"`
	LogLevel   string `long:"log-level" description:"Override logging.level from the configuration"`

	Control ControlCommand `command:"control" alias:"ui" description:"Control the arm from the terminal"`
	Setup   SetupCommand   `command:"setup" description:"Find and calibrate a leader arm"`
	Probe   ProbeCommand   `command:"probe" description:"List local arms and query the arm server"`
	Sim     SimCommand     `command:"sim" description:"Run a simulated arm server"`
}

var opts Options
var parser = flags.NewParser(&opts, flags.Default)

func main() {
	parser.LongDescription = "MechArm - remote control client for the MechArm 270"

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
		}
		os.Exit(1)
	}
}

// loadConfig reads the file named by --config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return nil, err
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	return cfg, nil
}

// newLogger logs to console (when non-nil) and the configured log directory.
func newLogger(cfg *config.Config, console io.Writer) (log.Logger, error) {
	return log.NewLogrusLogger(log.Options{
		Level:   cfg.Logging.Level,
		Dir:     cfg.Logging.Dir,
		Console: console,
	})
}
