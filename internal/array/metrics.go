// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package array

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/westerndigitalcorporation/raidblob/internal/server"
)

var (
	opm = server.NewOpMetric("array", "op")

	bytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "array_bytes_written",
		Help: "logical bytes stored",
	})
	bytesRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "array_bytes_read",
		Help: "logical bytes returned by ReadData",
	})
	diskAvail = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "array_disk_available_bytes",
		Help: "available bytes per disk root, sampled at initialization",
	}, []string{"root"})
	scrubBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "array_scrub_bytes",
		Help: "physical bytes read by scrubbing",
	})
	scrubBadRows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "array_scrub_bad_rows",
		Help: "stripe rows whose parity didn't match their data",
	})
	scrubMissing = promauto.NewCounter(prometheus.CounterOpts{
		Name: "array_scrub_missing_blocks",
		Help: "block files found missing or short by scrubbing",
	})
	scrubSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "array_scrub_skipped_files",
		Help: "files a scrub pass skipped because they were locked",
	})
)

// OpStats returns a latency and error summary for each coordinator operation.
func OpStats() map[string]string {
	return opm.Strings("initialize", "write", "read", "delete", "scrub", "repair")
}
