// escoordd is a single-process demo binary: it wires N simulated nodes
// onto one in-memory transport.Hub and cluster.MemStore, runs every
// node's executor.Service plus the elected master's coordinator.Service,
// and serves the api.Handler HTTP surface - enough to exercise the whole
// engine end to end without a real cluster. Grounded on the teacher's
// single-binary `aisnode` entrypoint shape (flag-parsed, one wiring
// function, blocking http.ListenAndServe).
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"flag"
	"fmt"
	"net/http"

	"github.com/golang/glog"

	"github.com/mute/escoord/api"
	"github.com/mute/escoord/cluster"
	"github.com/mute/escoord/cmn"
	"github.com/mute/escoord/coordinator"
	"github.com/mute/escoord/executor"
	"github.com/mute/escoord/search"
	"github.com/mute/escoord/stats"
	"github.com/mute/escoord/transport"
)

func main() {
	addr := flag.String("listen", ":8080", "HTTP listen address")
	nodes := flag.Int("nodes", 3, "number of simulated executor nodes")
	flag.Parse()

	if *nodes < 1 {
		glog.Fatalf("escoordd: -nodes must be >= 1")
	}

	store := cluster.NewMemStore()
	to := cmn.DefaultTimeouts()

	masterID := "node-0"
	hub := transport.NewHub(masterID)

	var masterTP *transport.MemTransport
	for i := 0; i < *nodes; i++ {
		nodeID := fmt.Sprintf("node-%d", i)
		tp := hub.Join(nodeID, true)
		exec := search.NewSimExecutor(nodeID, nil)
		executor.NewService(store, tp, exec, to).Start()
		if nodeID == masterID {
			masterTP = tp
		}
	}

	lt := cluster.NewLivenessTracker()
	agg := stats.NewAggregator()
	coord := coordinator.NewService(store, masterTP, lt, agg, to)
	coord.Start()

	mux := http.NewServeMux()
	api.NewHandler(coord).Register(mux)
	glog.Infof("escoordd: master %s serving on %s (%d simulated nodes)", masterID, *addr, *nodes)
	glog.Fatal(http.ListenAndServe(*addr, mux))
}
