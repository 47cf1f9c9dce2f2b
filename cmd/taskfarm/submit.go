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

package main

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	log "github.com/inconshreveable/log15"
	"github.com/naoina/toml"
	"github.com/urfave/cli/v2"

	"github.com/taskfarm/go-taskfarm/job"
	"github.com/taskfarm/go-taskfarm/messenger"
	"github.com/taskfarm/go-taskfarm/node"
	"github.com/taskfarm/go-taskfarm/serialize"
)

// resendInterval is the cadence at which an unacknowledged submission is
// repeated.
const resendInterval = 2 * time.Second

var (
	masterFlag = &cli.StringFlag{
		Name:  "master",
		Usage: "Master to submit to as host:port, overriding the job file",
	}
	submitTimeoutFlag = &cli.DurationFlag{
		Name:  "timeout",
		Usage: "Give up when the master has not acknowledged within this window",
		Value: time.Minute,
	}
)

// jobFile is the on-disk job definition. Input is given inline or as a
// path to read it from; splitter and combiner are optional callables.
type jobFile struct {
	Input     string `toml:"input"`
	InputFile string `toml:"input_file"`
	Processor string `toml:"processor"`
	Splitter  string `toml:"splitter"`
	Combiner  string `toml:"combiner"`

	Master struct {
		Hostname string `toml:"hostname"`
		IP       string `toml:"ip"`
		Port     int    `toml:"port"`
	} `toml:"master"`
}

// loadJobFile parses a job definition and materializes its callables.
func loadJobFile(path string) (*job.Job, *jobFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read job file: %w", err)
	}
	jf := new(jobFile)
	if err := toml.Unmarshal(data, jf); err != nil {
		return nil, nil, fmt.Errorf("parse job file %s: %w", path, err)
	}

	input := jf.Input
	if jf.InputFile != "" {
		raw, err := os.ReadFile(jf.InputFile)
		if err != nil {
			return nil, nil, fmt.Errorf("read input file: %w", err)
		}
		input = string(raw)
	}
	if input == "" {
		return nil, nil, fmt.Errorf("job file %s has no input", path)
	}
	if strings.TrimSpace(jf.Processor) == "" {
		return nil, nil, fmt.Errorf("job file %s has no processor", path)
	}

	// Sources are validated here so a bad definition fails at submit time
	// rather than as an undecodable envelope on the master.
	processor, err := loadCallable(job.ClassTaskUnit, "processor", jf.Processor)
	if err != nil {
		return nil, nil, err
	}
	var splitter *job.Splitter
	if strings.TrimSpace(jf.Splitter) != "" {
		fn, err := loadCallable(job.ClassJob, "splitter", jf.Splitter)
		if err != nil {
			return nil, nil, err
		}
		splitter = &job.Splitter{Fn: fn}
	}
	var combiner *job.Combiner
	if strings.TrimSpace(jf.Combiner) != "" {
		fn, err := loadCallable(job.ClassJob, "combiner", jf.Combiner)
		if err != nil {
			return nil, nil, err
		}
		combiner = &job.Combiner{Fn: fn}
	}
	return job.New(input, processor, splitter, combiner), jf, nil
}

func loadCallable(class, attr, source string) (*serialize.Callable, error) {
	if !serialize.IsCallableSource(source) {
		return nil, fmt.Errorf("%s does not define a function", attr)
	}
	c, err := serialize.NewCallable(class, attr, source)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", attr, err)
	}
	return c, nil
}

// submitMaster resolves the submission target: the --master flag wins
// over the job file's master section.
func submitMaster(ctx *cli.Context, jf *jobFile) (*node.Node, error) {
	if spec := ctx.String(masterFlag.Name); spec != "" {
		addr, err := net.ResolveUDPAddr("udp", spec)
		if err != nil {
			return nil, fmt.Errorf("bad --master %q: %w", spec, err)
		}
		return &node.Node{Hostname: spec, Addr: addr}, nil
	}
	if jf.Master.Hostname == "" && jf.Master.IP == "" {
		return nil, fmt.Errorf("no master given: use --master or a [master] section")
	}
	mc := &node.MasterConfig{
		Hostname: jf.Master.Hostname,
		IP:       jf.Master.IP,
		Port:     jf.Master.Port,
	}
	return mc.Resolve()
}

func runSubmit(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("usage: taskfarm submit <job.toml>")
	}
	j, jf, err := loadJobFile(ctx.Args().First())
	if err != nil {
		return err
	}
	target, err := submitMaster(ctx, jf)
	if err != nil {
		return err
	}
	logger := log.New("component", "submit", "job", j.ID, "master", target)

	msgr := messenger.New("0.0.0.0", 0)
	if err := msgr.Start(); err != nil {
		return err
	}
	defer msgr.Close()

	tracker, err := msgr.SendJob(j, target.Addr, true)
	if err != nil {
		return err
	}
	logger.Info("Job submitted, waiting for acknowledgement")

	sigCtx, stop := interruptContext()
	defer stop()
	deadline := time.Now().Add(ctx.Duration(submitTimeoutFlag.Name))
	poll := time.NewTicker(100 * time.Millisecond)
	defer poll.Stop()
	lastSend := time.Now()

	for {
		if tracker.Acked() {
			msgr.ReleaseTracker(tracker)
			logger.Info("Master accepted the job")
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("master %s did not acknowledge within %s",
				target, ctx.Duration(submitTimeoutFlag.Name))
		}
		select {
		case <-sigCtx.Done():
			return sigCtx.Err()
		case <-poll.C:
		}
		if time.Since(lastSend) >= resendInterval {
			if _, err := msgr.SendJob(j, target.Addr, true); err != nil {
				return err
			}
			lastSend = time.Now()
			logger.Debug("Resubmitted job")
		}
	}
}
