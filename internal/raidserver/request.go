// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package raidserver

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// filesPrefix is where logical files live in the URL space.
const filesPrefix = "/files/"

// request is a file request from a client.
type request struct {
	method string // GET/HEAD/PUT/DELETE
	key    string // Logical path or file id.

	// --- GET ---
	list  bool // List files whose path starts with key.
	limit int  // At most this many when listing; 0 is no limit.
}

// Convert a HTTP request to a file request. The logical path is everything
// after filesPrefix, so "/files/a/b" names "a/b".
func buildRequest(req *http.Request) (*request, error) {
	if !strings.HasPrefix(req.URL.Path, filesPrefix) {
		return nil, fmt.Errorf("path must start with %s", filesPrefix)
	}
	query, err := url.ParseQuery(req.URL.RawQuery)
	if err != nil {
		return nil, err
	}

	r := &request{method: req.Method, key: strings.TrimPrefix(req.URL.Path, filesPrefix)}
	switch r.method {
	case http.MethodGet, http.MethodHead:
		if _, ok := query["list"]; ok {
			r.list = true
			if v := query.Get("limit"); v != "" {
				if r.limit, err = strconv.Atoi(v); err != nil || r.limit < 0 {
					return nil, fmt.Errorf("bad limit %q", v)
				}
			}
		} else if r.key == "" {
			return nil, fmt.Errorf("path can not be empty")
		}

	case http.MethodPut, http.MethodDelete:
		if r.key == "" {
			return nil, fmt.Errorf("path can not be empty")
		}

	default:
		return nil, fmt.Errorf("invalid request type")
	}
	return r, nil
}
