// Command dsvnd serves one repository's /sync/* endpoints over HTTP, so
// remote dsvnadmin pull commands have something to pull from.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"dsvn/pkg/repository"
	"dsvn/pkg/syncserver"
)

var (
	repoPath = kingpin.Arg("repo", "Path to the repository to serve.").Required().String()
	addr     = kingpin.Flag("addr", "Address to bind the sync server to (overrides config.yaml's sync_bind_address).").Short('a').String()
	debug    = kingpin.Flag("debug", "Enable debug logging.").Bool()
)

func main() {
	kingpin.CommandLine.Help = "Serves a dsvn repository's replication endpoints over HTTP.\n"
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	log := logrus.New()
	if *debug {
		log.Level = logrus.DebugLevel
	}
	entry := logrus.NewEntry(log)

	repo, err := repository.Open(*repoPath, repository.Options{Log: entry})
	if err != nil {
		log.WithError(err).Fatal("dsvnd: opening repository")
	}
	defer repo.Close()

	bindAddr := *addr
	if bindAddr == "" {
		bindAddr = repo.Config.SyncBindAddress
	}

	srv := syncserver.NewServer(repo, bindAddr, entry)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("dsvnd: shutting down")
		_ = srv.Shutdown(context.Background())
	}()

	if err := srv.Start(); err != nil {
		log.WithError(err).Fatal("dsvnd: server exited")
	}
}
