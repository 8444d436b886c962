// Copyright (c) 2017 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"fmt"
	"net/http"

	log "github.com/golang/glog"
)

// ROHandler is the subset of the array coordinator that's needed for
// controlling read-only mode.
type ROHandler interface {
	ReadOnlyMode() bool
	SetReadOnlyMode(bool)
}

// ReadOnlyHandler implements /readonly. GET requests return the current
// read-only state, POST requests like /readonly?mode=true or false change it.
func ReadOnlyHandler(w http.ResponseWriter, r *http.Request, h ROHandler) {
	const True, False = "true", "false"
	w.Header().Set("Content-Type", "text/plain")
	if r.Method == "GET" {
		w.WriteHeader(http.StatusOK)
		if h.ReadOnlyMode() {
			w.Write([]byte(True))
		} else {
			w.Write([]byte(False))
		}
		return
	}
	if r.Method != "POST" {
		w.WriteHeader(http.StatusMethodNotAllowed)
		fmt.Fprintln(w, "method must be POST")
		return
	}

	mode := r.URL.Query().Get("mode")
	if mode != True && mode != False {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintln(w, "'mode' param must be 'true' or 'false'")
		return
	}
	h.SetReadOnlyMode(mode == True)

	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "set read-only mode to %s", mode)
	log.Infof("set read-only mode to %s", mode)
}
