/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package daemon runs the SNTP client and TFTP server engines over
// conn-backed sockets in a single cooperative event loop.
package daemon

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	yaml "gopkg.in/yaml.v2"

	"github.com/opennetsys/netapps/sntp"
	"github.com/opennetsys/netapps/stats"
	"github.com/opennetsys/netapps/tftp"
	"github.com/opennetsys/netapps/udp"
)

// pollFloor is the shortest event loop sleep, so that a zero NextPoll does
// not make the loop spin.
const pollFloor = 10 * time.Millisecond

// Config specifies daemon run options
type Config struct {
	SNTPServer     string `yaml:"sntp_server"`     // time server hostname or address
	TFTPRoot       string `yaml:"tftp_root"`       // directory served over TFTP
	MaxTransfers   int    `yaml:"max_transfers"`   // 0 means grow on demand
	MonitoringPort int    `yaml:"monitoring_port"` // prometheus /metrics listener
	RcvBuf         int    `yaml:"rcvbuf"`          // socket receive buffer, 0 keeps the OS default
}

// ReadConfig reads config from the file
func ReadConfig(path string) (*Config, error) {
	c := &Config{MonitoringPort: 8889}
	cData, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	err = yaml.Unmarshal(cData, &c)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// ResolveServer turns a hostname or literal address into an IP address.
func ResolveServer(server string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(server); err == nil {
		return addr.Unmap(), nil
	}
	names, err := net.LookupHost(server)
	if err != nil || len(names) == 0 {
		return netip.Addr{}, fmt.Errorf("resolving %q: %w", server, err)
	}
	addr, err := netip.ParseAddr(names[0])
	if err != nil {
		return netip.Addr{}, err
	}
	return addr.Unmap(), nil
}

// Run drives both engines until the context is cancelled or a transport
// error surfaces.
func Run(ctx context.Context, cfg *Config) error {
	server, err := ResolveServer(cfg.SNTPServer)
	if err != nil {
		return err
	}

	st := stats.NewPrometheusStats()

	sockets := udp.NewSocketSet()
	sntpSock := udp.NewConnSocket(cfg.RcvBuf)
	tftpSock := udp.NewConnSocket(cfg.RcvBuf)
	defer sntpSock.Close()
	defer tftpSock.Close()

	now := time.Now()
	client := sntp.NewClient(sockets, sntpSock, server, now)
	client.Stats = st
	tftpServer := tftp.NewServer(sockets, tftpSock, now)
	tftpServer.Stats = st

	fileCtx := tftp.NewDirContext(cfg.TFTPRoot)
	var transfers *tftp.Transfers
	if cfg.MaxTransfers > 0 {
		transfers = tftp.NewTransfers(cfg.MaxTransfers)
	} else {
		transfers = tftp.NewGrowableTransfers()
	}

	log.Infof("serving %q over tftp, querying time from %v", cfg.TFTPRoot, server)

	g, ctx := errgroup.WithContext(ctx)
	// Start blocks for the life of the process; inside the group it would
	// keep Wait from ever returning.
	go st.Start(cfg.MonitoringPort)
	g.Go(func() error {
		return loop(ctx, cfg, sockets, client, sntpSock, tftpServer, tftpSock, fileCtx, transfers)
	})
	return g.Wait()
}

func loop(ctx context.Context, cfg *Config, sockets *udp.SocketSet, client *sntp.Client, sntpSock *udp.ConnSocket, server *tftp.Server, tftpSock *udp.ConnSocket, fileCtx tftp.Context, transfers *tftp.Transfers) error {
	for {
		now := time.Now()

		ts, ok, err := client.Poll(sockets, now)
		if err != nil {
			return fmt.Errorf("sntp poll: %w", err)
		}
		if err := sntpSock.Flush(); err != nil {
			return err
		}
		if ok {
			log.Infof("sntp: time from %s: %v (unix %d)", cfg.SNTPServer, time.Unix(int64(ts), 0).UTC(), ts)
		}

		if err := server.Serve(sockets, fileCtx, transfers, now); err != nil {
			return fmt.Errorf("tftp serve: %w", err)
		}
		if err := tftpSock.Flush(); err != nil {
			return err
		}

		wait := client.NextPoll(now)
		if d := server.NextPoll(now); d < wait {
			wait = d
		}
		if wait < pollFloor {
			wait = pollFloor
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
