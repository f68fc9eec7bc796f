// ABOUTME: Entry point for the example sendspin server binary
// ABOUTME: parses CLI flags and starts the HTTP+WebSocket server
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/lox-audioserver/node-sendspin/internal/server"
)

var (
	port    = flag.Int("port", 8927, "WebSocket server port")
	name    = flag.String("name", "", "Server friendly name (default: hostname-sendspin-server)")
	logFile = flag.String("log-file", "sendspin-server.log", "Log file path")
	debug   = flag.Bool("debug", false, "Enable debug logging")
	noMDNS  = flag.Bool("no-mdns", false, "Disable mDNS advertisement")
	useTUI  = flag.Bool("tui", false, "Show a live dashboard of connected sessions")
)

func main() {
	flag.Parse()

	f, err := os.OpenFile(*logFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer f.Close()

	if !*useTUI {
		log.SetOutput(io.MultiWriter(os.Stdout, f))
	} else {
		// the dashboard owns the terminal; route logs to the file only
		log.SetOutput(f)
	}

	serverName := *name
	if serverName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		serverName = fmt.Sprintf("%s-sendspin-server", hostname)
	}

	log.Printf("starting sendspin server: %s on port %d", serverName, *port)

	srv := server.New(server.Config{
		Port:       *port,
		Name:       serverName,
		EnableMDNS: !*noMDNS,
		Debug:      *debug,
		UseTUI:     *useTUI,
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("received shutdown signal, stopping")
		srv.Stop()
	}()

	if err := srv.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
	log.Printf("server stopped")
}
