package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cbeuw/chanmux/internal/common"
	"github.com/cbeuw/chanmux/internal/server"
	gmux "github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

var version string

func main() {
	var config string

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})

	flag.StringVar(&config, "c", "server.json", "config: path to the configuration file")
	askVersion := flag.Bool("v", false, "Print the version number")
	printUsage := flag.Bool("h", false, "Print this message")
	pprofAddr := flag.String("d", "", "debug use: ip:port to be listened by pprof profiler")
	verbosity := flag.String("verbosity", "info", "verbosity level")
	flag.Parse()

	if *askVersion {
		fmt.Printf("chanmux-server %s", version)
		return
	}
	if *printUsage {
		flag.Usage()
		return
	}
	if *pprofAddr != "" {
		startPprof(*pprofAddr)
	}

	lvl, err := log.ParseLevel(*verbosity)
	if err != nil {
		log.Fatal(err)
	}
	log.SetLevel(lvl)

	raw, err := server.ParseConfig(config)
	if err != nil {
		log.Fatalf("Configuration file error: %v", err)
	}

	sta, err := server.InitState(raw, common.RealWorldState)
	if err != nil {
		log.Fatalf("unable to initialise server state: %v", err)
	}

	for _, addr := range sta.BindAddr {
		listener, err := net.Listen("tcp", addr.String())
		if err != nil {
			log.Fatal(err)
		}
		log.Infof("Listening on %v", addr)
		go server.Serve(listener, sta)
	}

	if sta.WebSocketAddr != "" {
		router := gmux.NewRouter()
		router.Handle(sta.WebSocketPath, sta.WebSocketHandler())
		go func() {
			log.Infof("Accepting WebSocket sessions on %v%v", sta.WebSocketAddr, sta.WebSocketPath)
			log.Fatal(http.ListenAndServe(sta.WebSocketAddr, router))
		}()
	}

	if sta.AdminAddr != "" {
		go func() {
			log.Infof("Admin API listening on %v", sta.AdminAddr)
			log.Fatal(http.ListenAndServe(sta.AdminAddr, server.APIRouterOf(sta.Sessions, sta.Ledger)))
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Info("Shutting down")
	sta.Sessions.CloseAll()
	if sta.Ledger != nil {
		if err := sta.Ledger.Close(); err != nil {
			log.Errorf("failed to close usage database: %v", err)
		}
	}
}
