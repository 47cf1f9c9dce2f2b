// Copyright 2026 The go-taskfarm Authors
// This file is part of go-taskfarm.
//
// go-taskfarm is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// go-taskfarm is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with go-taskfarm. If not, see <http://www.gnu.org/licenses/>.

// taskfarm is the command line entry point for the cluster: it runs
// master and worker nodes and submits jobs to a running master.
package main

import (
	"context"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/inconshreveable/log15"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/rcrowley/go-metrics"
	"github.com/urfave/cli/v2"

	"github.com/taskfarm/go-taskfarm/master"
	"github.com/taskfarm/go-taskfarm/messenger"
	"github.com/taskfarm/go-taskfarm/node"
	"github.com/taskfarm/go-taskfarm/wire"
	"github.com/taskfarm/go-taskfarm/worker"
)

var (
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=crit, 1=error, 2=warn, 3=info, 4=debug",
		Value: 3,
	}
	metricsFlag = &cli.BoolFlag{
		Name:  "metrics",
		Usage: "Periodically dump collected metrics to stderr",
	}
	metricsIntervalFlag = &cli.DurationFlag{
		Name:  "metrics.interval",
		Usage: "Interval between metrics dumps",
		Value: time.Minute,
	}
	addrFlag = &cli.StringFlag{
		Name:  "addr",
		Usage: "Interface to bind the messenger to",
		Value: "0.0.0.0",
	}
	portFlag = &cli.IntFlag{
		Name:  "port",
		Usage: "UDP port to bind the messenger to",
		Value: wire.DefaultPort,
	}
	resultDirFlag = &cli.StringFlag{
		Name:  "result.dir",
		Usage: "Directory for finished-job result artifacts",
		Value: ".",
	}
	retriesFlag = &cli.IntFlag{
		Name:  "retries",
		Usage: "Retry budget stamped on each dispatched task unit",
		Value: master.DefaultRetries,
	}
	workerConfigFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "Worker configuration file naming the masters to join",
	}
)

func main() {
	app := &cli.App{
		Name:    "taskfarm",
		Usage:   "distributed job execution over an unreliable datagram transport",
		Version: "0.1.0",
		Flags:   []cli.Flag{verbosityFlag, metricsFlag, metricsIntervalFlag},
		Before:  setup,
		Commands: []*cli.Command{
			{
				Name:   "master",
				Usage:  "Run a coordinating master node",
				Flags:  []cli.Flag{addrFlag, portFlag, resultDirFlag, retriesFlag},
				Action: runMaster,
			},
			{
				Name:   "worker",
				Usage:  "Run an executing worker node",
				Flags:  []cli.Flag{addrFlag, portFlag, workerConfigFlag},
				Action: runWorker,
			},
			{
				Name:      "submit",
				Usage:     "Submit a job definition to a running master",
				ArgsUsage: "<job.toml>",
				Flags:     []cli.Flag{masterFlag, submitTimeoutFlag},
				Action:    runSubmit,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup configures logging and the optional metrics dump before any
// command runs.
func setup(ctx *cli.Context) error {
	usecolor := isatty.IsTerminal(os.Stderr.Fd()) && os.Getenv("TERM") != "dumb"
	output := io.Writer(os.Stderr)
	format := log.LogfmtFormat()
	if usecolor {
		output = colorable.NewColorableStderr()
		format = log.TerminalFormat()
	}
	log.Root().SetHandler(log.LvlFilterHandler(
		log.Lvl(ctx.Int(verbosityFlag.Name)),
		log.StreamHandler(output, format)))

	if ctx.Bool(metricsFlag.Name) {
		go metrics.Log(metrics.DefaultRegistry,
			ctx.Duration(metricsIntervalFlag.Name),
			stdlog.New(os.Stderr, "metrics ", stdlog.Lmicroseconds))
	}
	return nil
}

// startMessenger binds and starts a messenger on the command's
// addr/port flags.
func startMessenger(ctx *cli.Context, port int) (*messenger.Messenger, error) {
	msgr := messenger.New(ctx.String(addrFlag.Name), port)
	if err := msgr.Start(); err != nil {
		return nil, err
	}
	return msgr, nil
}

// interruptContext returns a context cancelled by SIGINT or SIGTERM.
func interruptContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runMaster(ctx *cli.Context) error {
	msgr, err := startMessenger(ctx, ctx.Int(portFlag.Name))
	if err != nil {
		return err
	}
	defer msgr.Close()

	sigCtx, stop := interruptContext()
	defer stop()
	go func() {
		<-sigCtx.Done()
		msgr.Close()
	}()

	m := master.New(master.Config{
		Retries:   ctx.Int(retriesFlag.Name),
		ResultDir: ctx.String(resultDirFlag.Name),
	}, msgr)
	return m.Run()
}

func runWorker(ctx *cli.Context) error {
	path := ctx.String(workerConfigFlag.Name)
	if path == "" {
		path = node.DefaultWorkerConfigPath()
	}
	cfg, err := node.LoadWorkerConfig(path)
	if err != nil {
		return err
	}
	masters := make([]*node.Node, 0, len(cfg.Masters))
	for i := range cfg.Masters {
		n, err := cfg.Masters[i].Resolve()
		if err != nil {
			return err
		}
		masters = append(masters, n)
	}

	msgr, err := startMessenger(ctx, ctx.Int(portFlag.Name))
	if err != nil {
		return err
	}
	defer msgr.Close()

	sigCtx, stop := interruptContext()
	defer stop()
	go func() {
		<-sigCtx.Done()
		msgr.Close()
	}()

	w := worker.New(msgr, masters)
	if err := w.Associate(sigCtx); err != nil {
		return fmt.Errorf("association failed: %w", err)
	}
	return w.Run()
}
