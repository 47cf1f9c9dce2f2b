// Copyright 2026 The go-taskfarm Authors
// This file is part of the go-taskfarm library.
//
// The go-taskfarm library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-taskfarm library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-taskfarm library. If not, see <http://www.gnu.org/licenses/>.

// Package node describes the machines of a cluster: their states, the
// remote-node entries a master or worker keeps about its peers, and the
// worker-side configuration naming the masters to associate with.
package node

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/taskfarm/go-taskfarm/wire"
)

// Node states, announced in STATUS messages.
const (
	StateUp      = 0 // configured, announcing itself
	StateReady   = 1 // ready to accept messages
	StateWorking = 2 // actively working
	StateDormant = 3 // temporarily down, will retry
	StateDead    = 4 // gave up
)

// ValidState reports whether s is a defined node state.
func ValidState(s int) bool {
	return s >= StateUp && s <= StateDead
}

// Node is an entry for a remote machine.
type Node struct {
	Hostname string
	Addr     *net.UDPAddr
}

// String implements fmt.Stringer.
func (n *Node) String() string {
	if n.Hostname != "" {
		return fmt.Sprintf("%s(%s)", n.Hostname, n.Addr)
	}
	return n.Addr.String()
}

// MasterConfig names one master a worker should associate with. IP and
// port are optional: a missing ip is resolved from the hostname, a
// missing port defaults to the wire default.
type MasterConfig struct {
	Hostname string `json:"hostname"`
	IP       string `json:"ip,omitempty"`
	Port     int    `json:"port,omitempty"`
}

// Resolve turns the config entry into a dialable node entry.
func (mc *MasterConfig) Resolve() (*Node, error) {
	port := mc.Port
	if port == 0 {
		port = wire.DefaultPort
	}
	ip := net.ParseIP(mc.IP)
	if ip == nil {
		if mc.IP != "" {
			return nil, fmt.Errorf("master %s: bad ip %q", mc.Hostname, mc.IP)
		}
		ips, err := net.LookupIP(mc.Hostname)
		if err != nil {
			return nil, fmt.Errorf("master %s: name lookup: %w", mc.Hostname, err)
		}
		ip = ips[0]
	}
	return &Node{Hostname: mc.Hostname, Addr: &net.UDPAddr{IP: ip, Port: port}}, nil
}

// WorkerConfig is the worker's configuration document.
type WorkerConfig struct {
	Masters []MasterConfig `json:"masters"`
}

// DefaultWorkerConfigPath is where a worker looks for its configuration
// when no path is given on the command line.
func DefaultWorkerConfigPath() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	return filepath.Join("config", hostname+"-slave-config.json")
}

// LoadWorkerConfig reads and parses a worker configuration file. A
// missing or unparsable file is fatal at startup, so errors here
// propagate to the launching command.
func LoadWorkerConfig(path string) (*WorkerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read worker config: %w", err)
	}
	cfg := new(WorkerConfig)
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse worker config %s: %w", path, err)
	}
	if len(cfg.Masters) == 0 {
		return nil, fmt.Errorf("worker config %s names no masters", path)
	}
	return cfg, nil
}
