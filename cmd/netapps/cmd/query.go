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
	"fmt"
	"time"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opennetsys/netapps/daemon"
	"github.com/opennetsys/netapps/sntp"
	"github.com/opennetsys/netapps/udp"
)

var queryTimeout time.Duration

func init() {
	RootCmd.AddCommand(queryCmd)
	queryCmd.Flags().DurationVarP(&queryTimeout, "timeout", "t", 5*time.Second, "how long to wait for a response")
}

var queryCmd = &cobra.Command{
	Use:   "query <server>",
	Short: "Query an SNTP server once and print the obtained time",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		ConfigureVerbosity()
		if err := runQuery(args[0]); err != nil {
			log.Fatal(err)
		}
	},
}

func runQuery(server string) error {
	addr, err := daemon.ResolveServer(server)
	if err != nil {
		return err
	}

	sockets := udp.NewSocketSet()
	sock := udp.NewConnSocket(0)
	defer sock.Close()

	client := sntp.NewClient(sockets, sock, addr, time.Now())

	deadline := time.Now().Add(queryTimeout)
	for time.Now().Before(deadline) {
		now := time.Now()
		ts, ok, err := client.Poll(sockets, now)
		if err != nil {
			return err
		}
		if err := sock.Flush(); err != nil {
			return err
		}
		if ok {
			fmt.Printf("%s %v answered: %v (unix %d)\n",
				color.GreenString("[ OK ]"), addr, time.Unix(int64(ts), 0).UTC(), ts)
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	fmt.Printf("%s no response from %v within %v\n", color.RedString("[FAIL]"), addr, queryTimeout)
	return fmt.Errorf("query timed out")
}
