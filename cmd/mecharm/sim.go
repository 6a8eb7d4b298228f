package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gwillem/mecharm/pkg/armsim"
	"github.com/gwillem/mecharm/pkg/log"
)

type SimCommand struct {
	Listen           string        `long:"listen" default:":8080" description:"Address to listen on"`
	HeartbeatTimeout time.Duration `long:"heartbeat-timeout" default:"5s" description:"Silence after which the arm goes to the safe position"`
	FPS              int           `long:"fps" default:"15" description:"Video frame rate"`
	AccessLog        bool          `long:"access-log" description:"Log every HTTP request"`
}

func (c *SimCommand) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer log.Close(logger)

	simOpts := armsim.Options{
		HeartbeatTimeout: c.HeartbeatTimeout,
		FPS:              c.FPS,
		Logger:           logger,
	}
	if c.AccessLog {
		simOpts.AccessLog = os.Stderr
	}
	sim := armsim.New(simOpts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Simulated arm listening on %s\n", c.Listen)
	return sim.Listen(ctx, c.Listen)
}
