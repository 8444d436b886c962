// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raid

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/westerndigitalcorporation/raidblob/internal/server"
)

var (
	opm = server.NewOpMetric("raid_stream", "op")

	degradedRows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "raid_stream_degraded_rows",
		Help: "stripe rows rebuilt from parity because a data slot was unavailable",
	})
	unavailableSlots = promauto.NewCounter(prometheus.CounterOpts{
		Name: "raid_stream_unavailable_slots",
		Help: "block files found unusable while opening or reading a stream",
	})
)
