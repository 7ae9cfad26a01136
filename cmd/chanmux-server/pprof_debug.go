//go:build pprof
// +build pprof

package main

import (
	"net/http"
	_ "net/http/pprof"
	"runtime"

	log "github.com/sirupsen/logrus"
)

func startPprof(pprofAddr string) {
	runtime.SetBlockProfileRate(5)
	go func() {
		log.Info(http.ListenAndServe(pprofAddr, nil))
	}()
	log.Infof("pprof listening on %v", pprofAddr)
}
