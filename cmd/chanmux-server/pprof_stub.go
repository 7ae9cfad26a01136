//go:build !pprof
// +build !pprof

package main

import log "github.com/sirupsen/logrus"

func startPprof(pprofAddr string) {
	log.Warnf("built without pprof, ignoring -d %v", pprofAddr)
}
