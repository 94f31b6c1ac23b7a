// Klingnet full node daemon.
//
// Usage:
//
//	klingnetd [flags]   Run the node
//	klingnetd --help    Show help
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/klingnet-network/klingnet/config"
	"github.com/klingnet-network/klingnet/internal/node"
)

func main() {
	cfg, _, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	n, err := node.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating node: %v\n", err)
		os.Exit(1)
	}

	if err := n.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting node: %v\n", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	n.Stop()
}
