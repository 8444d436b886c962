// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raidserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"time"

	sigar "github.com/cloudfoundry/gosigar"
	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/raidblob/internal/array"
	"github.com/westerndigitalcorporation/raidblob/pkg/disk"
)

const statusTemplateStr = `
<!doctype html>
<html lang="en">
<head>
  <title>raid array status</title>
  <style>
    caption {
      caption-side: top;
      text-align: left;
      font-weight: bold;
    }
    table.status {
      border-collapse: collapse;
    }
    table.status td {
      border: 1px solid #DDD;
      text-align: left;
      padding-left: 8px;
      padding-right: 8px;
      padding-top: 4px;
      padding-bottom: 4px;
    }
    table.status th {
      border: 1px solid #DDD;
      text-align: left;
      padding: 8px;
      background-color: #009900;
      color: white;
    }
    table.status tr:nth-child(even) {background-color: #F2F2F2;}
    table.status tr:hover {background-color: #DDD;}
  </style>
</head>

<body>

<h3>{{.Addr}}{{if .ReadOnly}} / read-only{{end}}</h3>

<table>
  <tr>
    <td>Stripe size:</td>
    <td>{{.StripeSize}}</td>
  </tr>
  <tr>
    <td>Metadata:</td>
    <td>{{.MetadataBackend}} at {{.MetadataPath}}</td>
  </tr>
  <tr>
    <td>Pending metadata ops:</td>
    <td>{{.PendingMeta}} / {{.MaxPendingMeta}}</td>
  </tr>
  <tr>
    <td>Free memory:</td>
    <td>{{.FreeMem}} / {{.TotalMem}} mb</td>
  </tr>
  <tr>
    <td>Last reboot:</td>
    <td>{{.Reboot}}</td>
  </tr>
</table>

<br>
<table class="status">
  <caption>Disks</caption>
  <tr>
    <th>Root</th>
    <th>Available</th>
    <th>Total</th>
  </tr>
  {{range .Disks}}
  <tr>
    <td>{{.Root}}</td>
    <td>{{.AvailMB}} mb</td>
    <td>{{.TotalMB}} mb</td>
  </tr>
  {{end}}
</table>

<br>
<hr></hr>
<table class="status">
  <caption>Operation Metrics</caption>
  <tr>
    <th>Operation</th>
    <th>Stats</th>
  </tr>
  {{range $k, $v := .Ops}}
  <tr>
    <td>{{$k}}</td>
    <td>{{$v}}</td>
  </tr>
  {{end}}
</table>

status update time: {{.Now}}
</body>
</html>
`

// DiskInfo is the space on one disk root.
type DiskInfo struct {
	Root    string
	AvailMB uint64
	TotalMB uint64
}

// StatusData includes array status info.
type StatusData struct {
	Addr            string
	ReadOnly        bool
	StripeSize      int
	MetadataBackend string
	MetadataPath    string
	PendingMeta     int
	MaxPendingMeta  int
	FreeMem         uint64
	TotalMem        uint64
	Disks           []DiskInfo

	Reboot time.Time
	Ops    map[string]string
	Now    time.Time
}

const mb = 1024 * 1024

var (
	// When was the last reboot?
	reboot = time.Now()

	// Status html template.
	statusTemplate = template.Must(template.New("status_html").Parse(statusTemplateStr))
)

// statusHandler is called when somebody makes a http request to the status
// page. If the "Accept" header is set to be "application/json", it sends json
// encoded status; otherwise it sends html.
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Header.Get("Accept") == "application/json" {
		s.handleJSON(w)
	} else {
		s.handleHTML(w)
	}
}

// Generate status data.
func (s *Server) genStatus() StatusData {
	// Pull memory info.
	mem := sigar.Mem{}
	if err := mem.Get(); nil != err {
		log.Errorf("failed to get memory info: %s", err)
		mem.ActualFree = 0
		mem.Total = 0
	}

	cfg := s.coord.Config()
	disks := make([]DiskInfo, len(cfg.DiskRoots))
	for i, root := range cfg.DiskRoots {
		disks[i].Root = root
		if u, err := disk.FileSystemUsage(root); err == nil {
			disks[i].AvailMB, disks[i].TotalMB = u.Avail/mb, u.Total/mb
		} else {
			log.Errorf("failed to get usage of %s: %s", root, err)
		}
	}

	return StatusData{
		Addr:            s.addr,
		ReadOnly:        s.coord.ReadOnlyMode(),
		StripeSize:      cfg.StripeSize,
		MetadataBackend: cfg.MetadataBackend,
		MetadataPath:    cfg.MetadataPath,
		PendingMeta:     s.coord.PendingMeta(),
		MaxPendingMeta:  cfg.MaxPendingMeta,
		FreeMem:         mem.ActualFree / mb,
		TotalMem:        mem.Total / mb,
		Disks:           disks,
		Reboot:          reboot,
		Ops:             array.OpStats(),
		Now:             time.Now(),
	}
}

func (s *Server) handleHTML(w http.ResponseWriter) {
	var b bytes.Buffer
	if err := statusTemplate.Execute(&b, s.genStatus()); err != nil {
		e := fmt.Sprintf("failed to encode html status data: %s", err)
		log.Error(e)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(e))
		return
	}

	w.Header().Set("Content-Type", "text/html")
	w.Write(b.Bytes())
}

func (s *Server) handleJSON(w http.ResponseWriter) {
	var b bytes.Buffer
	if err := json.NewEncoder(&b).Encode(s.genStatus()); err != nil {
		e := fmt.Sprintf("failed to encode json status data: %s", err)
		log.Error(e)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(e))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(b.Bytes())
}
