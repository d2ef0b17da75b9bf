// Command gasnetrun launches and drives a GASNet-ibv job: it is the
// cobra-based counterpart to the real conduit's shell-script launcher,
// built so a job can be brought up, exercised, and torn down without a
// real HCA (every rank here runs as an in-process goroutine over
// rdma/loopback).
package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
)

func main() {
	if err := execute(); err != nil {
		log.WithError(err).Error("gasnetrun: fatal")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
