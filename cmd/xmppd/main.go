// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Command xmppd is the server daemon: it loads a TOML configuration file,
// wires the core's Session/Router/Extension pipeline together with every
// concrete extension, and serves the c2s and HTTP admin listeners until
// signaled to stop.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "xmppd",
	Short: "an XMPP server with a peer-to-peer file-share coordinator",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the server until stopped",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(configPath)
	},
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "xmppd.toml", "path to the TOML configuration file")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "xmppd:", err)
		os.Exit(1)
	}
}
