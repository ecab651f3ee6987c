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

package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opennetsys/netapps/daemon"
)

var serveCfg = &daemon.Config{}
var serveConfigFile string

func init() {
	RootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&serveConfigFile, "config", "c", "", "path to a yaml config file")
	serveCmd.Flags().StringVar(&serveCfg.SNTPServer, "server", "", "SNTP server to query")
	serveCmd.Flags().StringVar(&serveCfg.TFTPRoot, "root", "", "directory to serve over TFTP")
	serveCmd.Flags().IntVar(&serveCfg.MaxTransfers, "maxtransfers", 0, "concurrent TFTP transfer limit, 0 grows on demand")
	serveCmd.Flags().IntVar(&serveCfg.MonitoringPort, "monitoringport", 8889, "port to run monitoring server on")
	serveCmd.Flags().IntVar(&serveCfg.RcvBuf, "rcvbuf", 0, "socket receive buffer size, 0 keeps the OS default")
}

func prepareConfig() (*daemon.Config, error) {
	cfg := serveCfg
	if serveConfigFile != "" {
		fileCfg, err := daemon.ReadConfig(serveConfigFile)
		if err != nil {
			return nil, fmt.Errorf("reading config from %q: %w", serveConfigFile, err)
		}
		warn := func(name string) {
			log.Warningf("overriding %s from CLI flag", name)
		}
		if serveCfg.SNTPServer != "" {
			warn("server")
			fileCfg.SNTPServer = serveCfg.SNTPServer
		}
		if serveCfg.TFTPRoot != "" {
			warn("root")
			fileCfg.TFTPRoot = serveCfg.TFTPRoot
		}
		if serveCfg.MaxTransfers != 0 {
			warn("maxtransfers")
			fileCfg.MaxTransfers = serveCfg.MaxTransfers
		}
		cfg = fileCfg
	}
	if cfg.SNTPServer == "" {
		return nil, fmt.Errorf("an SNTP server must be configured")
	}
	if cfg.TFTPRoot == "" {
		return nil, fmt.Errorf("a TFTP root directory must be configured")
	}
	return cfg, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the SNTP client and TFTP server engines",
	Run: func(_ *cobra.Command, _ []string) {
		ConfigureVerbosity()

		cfg, err := prepareConfig()
		if err != nil {
			log.Fatal(err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := daemon.Run(ctx, cfg); err != nil && ctx.Err() == nil {
			log.Fatal(err)
		}
	},
}
