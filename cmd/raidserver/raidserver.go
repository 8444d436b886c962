// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/raidblob/internal/array"
	"github.com/westerndigitalcorporation/raidblob/internal/metadata"
	"github.com/westerndigitalcorporation/raidblob/internal/raidserver"
)

/*

Configuring various parameters follows three steps:

  (1) Default config parameters are pulled from 'array.DefaultProdConfig'.

  (2) An optional configuration file (in json format) can be specified via command-line flag '-arrayCfg' to override the default values.

  (3) Optional flags can be used to override each individual parameter set in the previous two steps, e.g., '-meta=ZZZ'.

*/

var (
	// Default configuration.
	arrayCfg = array.DefaultProdConfig

	// Config file name.
	arrayFile = flag.String("arrayCfg", "", "configuration file for the array")

	// Server parameters.
	addr = flag.String("addr", ":4080", "address to listen on for requests")

	// Array parameters.
	disks     = flag.String("disks", "", "comma-separated disk roots")
	meta      = flag.String("meta", "", "metadata store path")
	backend   = flag.String("backend", "", "metadata store backend: bolt, badger or sqlite")
	stripe    = flag.Int("stripe", 0, "stripe unit size in bytes for new files")
	scrubRate = flag.Uint64("scrubRate", 0, "scrub read rate in bytes per second")
	nodeID    = flag.Int64("nodeID", -1, "node number for file ids")
	readOnly  = flag.Bool("readOnly", false, "start in read-only mode")
)

// Initialize config parameters. It first tries to read from the configuration
// file and then applies the command-line flags to override specified values.
func init() {
	flag.Parse()

	if "" != *arrayFile {
		f, err := os.Open(*arrayFile)
		if nil != err {
			log.Fatalf("couldn't open the provided config file: %s", err)
		}
		dec := json.NewDecoder(f)
		if err = dec.Decode(&arrayCfg); nil != err {
			log.Fatalf("failed to decode the config file: %s", err)
		}
		f.Close()
	}

	// Override values from command-line flags.
	// NOTE: Because of how Go's flag package works, there is no way to tell
	// if a value is set by the user or not. Therefore, we use meaningless
	// default values to check whether a particular flag is set, and only
	// override the corresponding value if so.
	if "" != *disks {
		arrayCfg.DiskRoots = strings.Split(*disks, ",")
	}
	if "" != *meta {
		arrayCfg.MetadataPath = *meta
	}
	if "" != *backend {
		arrayCfg.MetadataBackend = *backend
	}
	if *stripe > 0 {
		arrayCfg.StripeSize = *stripe
	}
	if *scrubRate > 0 {
		arrayCfg.ScrubRate = *scrubRate
	}
	if *nodeID >= 0 {
		arrayCfg.NodeID = *nodeID
	}
}

func main() {
	if err := arrayCfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %s", err)
	}
	if arrayCfg.MetadataPath == "" {
		log.Fatalf("no metadata path, use -meta or -arrayCfg")
	}

	store, err := metadata.Open(arrayCfg.MetadataBackend, arrayCfg.MetadataPath)
	if err != nil {
		log.Fatalf("failed to open metadata store: %s", err)
	}
	coord, err := array.New(arrayCfg, store)
	if err != nil {
		log.Fatalf("failed to create coordinator: %s", err)
	}
	if err := coord.Initialize(context.Background()); err != nil {
		log.Fatalf("failed to initialize the array: %s", err)
	}
	coord.SetReadOnlyMode(*readOnly)
	coord.StartScrubber()

	// Close the metadata store cleanly on INT or TERM.
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-c
		log.Infof("got %s, shutting down", sig)
		coord.Close()
		if err := store.Close(); err != nil {
			log.Errorf("failed to close metadata store: %s", err)
		}
		log.Flush()
		os.Exit(0)
	}()

	raidserver.New(*addr, coord).Serve()
}
