// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// streambitd is the streambit daemon: a BitTorrent client which serves
// downloading content over HTTP with byte-range support.
package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/streambit/streambit/apiserver"
	"github.com/streambit/streambit/lib/engine"
	"github.com/streambit/streambit/lib/metastore"
	"github.com/streambit/streambit/lib/streaming"
	"github.com/streambit/streambit/lib/torrent/scheduler"
	"github.com/streambit/streambit/lib/torrent/storage/filestorage"
	"github.com/streambit/streambit/localdb"
	"github.com/streambit/streambit/metrics"
	"github.com/streambit/streambit/tracker/announceclient"
	"github.com/streambit/streambit/utils/configutil"
	"github.com/streambit/streambit/utils/log"

	"github.com/andres-erbsen/clock"
)

func main() {
	configFile := flag.String("config", "", "configuration file path")
	peerIP := flag.String("peer_ip", "", "ip which peer will announce itself as")
	flag.Parse()

	var config Config
	if *configFile != "" {
		configutil.LoadOrDie(*configFile, &config)
	}
	config = config.applyDefaults()
	config, err := config.applyEnvOverrides()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %s\n", err)
		os.Exit(1)
	}
	if *peerIP != "" {
		config.PeerIP = *peerIP
	}
	if config.PeerIP == "" {
		config.PeerIP = config.APIHost
	}

	zapConfig := config.ZapLogging
	if len(zapConfig.OutputPaths) == 0 {
		zapConfig = log.DefaultZapConfig()
	}
	if _, err := log.ConfigureLogger(zapConfig); err != nil {
		fmt.Fprintf(os.Stderr, "configure logger: %s\n", err)
		os.Exit(1)
	}

	stats, closer, err := metrics.New(config.Metrics)
	if err != nil {
		log.Fatalf("Failed to init metrics: %s", err)
	}
	defer closer.Close()

	db, err := localdb.New(config.Database)
	if err != nil {
		log.Fatalf("Failed to open database: %s", err)
	}
	defer db.Close()
	store := metastore.New(db)

	archive := filestorage.NewTorrentArchive(config.Storage)

	clk := clock.New()

	e := engine.New(config.Engine, store, archive, clk, stats)
	defer e.Stop()

	pctx, err := scheduler.NewPeerContext(config.PeerIP, config.PeerPort)
	if err != nil {
		log.Fatalf("Failed to create peer context: %s", err)
	}
	sched, err := scheduler.New(
		config.Scheduler,
		archive,
		stats,
		pctx,
		announceclient.New(config.Announce, clk),
		e)
	if err != nil {
		log.Fatalf("Failed to start scheduler: %s", err)
	}
	defer sched.Stop()
	e.SetScheduler(sched)

	streams := streaming.NewManager(config.Streaming, clk, e, stats)
	defer streams.Stop()
	e.SetStreams(streams)

	if err := e.Restore(); err != nil {
		log.Fatalf("Failed to restore torrents: %s", err)
	}

	server := apiserver.New(config.APIServer, stats, e, sched)
	addr := fmt.Sprintf("%s:%d", config.APIHost, config.APIPort)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		log.Errorf("Failed to bind api server on %s: %s", addr, err)
		os.Exit(1)
	}
	log.Infof("Starting api server on %s", addr)

	errc := make(chan error, 1)
	go func() {
		errc <- http.Serve(lis, server.Handler())
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errc:
		log.Errorf("Api server failed: %s", err)
		os.Exit(1)
	case sig := <-sigc:
		log.Infof("Received %s, shutting down", sig)
		lis.Close()
	}
}
