// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/codegangsta/cli"
	shlex "github.com/flynn-archive/go-shlex"
	log "github.com/golang/glog"
	"github.com/peterh/liner"

	"github.com/westerndigitalcorporation/raidblob/internal/array"
	"github.com/westerndigitalcorporation/raidblob/internal/core"
	"github.com/westerndigitalcorporation/raidblob/internal/metadata"
	"github.com/westerndigitalcorporation/raidblob/pkg/disk"
)

var usage = `
	raidcli is a tool to store, read and maintain files on a local RAID5
	array. The array is a set of disk roots plus a metadata store; both are
	opened directly, so no server may be running on the same metadata.

	You can use raidcli in two modes: either issue one command

		raidcli [--config <file>] [--disks a,b,c] [(--setup <setup-commands>)...] <subcommand> [<flags>...]

	or start a command line interpreter to issue commands interactively:

		raidcli [--config <file>] [--disks a,b,c] shell

	The configuration file is a JSON encoded array config. Flags override
	values from the file.
	`

// raidCli lets users interact with an array. The coordinator and its
// metadata store are opened on first use and kept until stop.
type raidCli struct {
	// The array configuration, fixed by the global flags of the first command.
	cfg *array.Config

	store metadata.Store
	coord *array.Coordinator

	// the command line framework we'll use to launch commands.
	app *cli.App
}

// newRaidCli creates a new raidCli object.
func newRaidCli() *raidCli {
	b := &raidCli{}
	app := cli.NewApp()
	app.Name = "raidcli"

	app.Usage = usage
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config",
			Usage: "JSON file with the array configuration",
		},
		cli.StringFlag{
			Name:  "disks, d",
			Usage: "Comma-separated disk roots",
		},
		cli.StringFlag{
			Name:  "meta",
			Usage: "Metadata store path",
		},
		cli.StringFlag{
			Name:  "backend",
			Usage: "Metadata store backend: bolt, badger or sqlite",
		},
		cli.IntFlag{
			Name:  "stripe",
			Usage: "Stripe unit size in bytes for new files",
		},
		cli.StringSliceFlag{
			Name:  "setup",
			Usage: "Commands to run before doing anything else",
		},
	}

	pathflag := cli.StringFlag{
		Name:  "path, p",
		Usage: "logical path or file id",
	}
	offsetflag := cli.Int64Flag{
		Name:  "offset, o",
		Usage: "offset within file to read from (default: 0)",
	}
	lengthflag := cli.Int64Flag{
		Name:  "length, l",
		Usage: "data length to read (unset or <= 0 means 'all')",
	}
	datafileflag := cli.StringFlag{
		Name:  "file, f",
		Usage: "file to read or write data from (input and output default to stdin and stdout)",
	}
	verboseFlag := cli.BoolFlag{
		Name:  "verbose, v",
		Usage: "set this flag to add additional verbosity",
	}

	app.Commands = []cli.Command{
		{
			Name:    "info",
			Aliases: []string{"i"},
			Usage:   "Prints info about the array.",
			Action:  b.cmdInfo,
		},
		{
			Name:   "init",
			Usage:  "Checks the disks and creates metadata indexes.",
			Action: b.cmdInit,
		},
		{
			Name:    "put",
			Aliases: []string{"w"},
			Usage:   "Stores a new file.",
			Flags: []cli.Flag{
				pathflag,
				datafileflag,
			},
			Action: b.cmdPut,
		},
		{
			Name:    "get",
			Aliases: []string{"r"},
			Usage:   "Reads from a file.",
			Flags: []cli.Flag{
				pathflag,
				offsetflag,
				lengthflag,
				datafileflag,
			},
			Action: b.cmdGet,
		},
		{
			Name:    "stat",
			Aliases: []string{"s"},
			Usage:   "Stats a file.",
			Flags: []cli.Flag{
				pathflag,
				verboseFlag,
			},
			Action: b.cmdStat,
		},
		{
			Name:    "rm",
			Aliases: []string{"delete"},
			Usage:   "Deletes a file.",
			Flags: []cli.Flag{
				pathflag,
			},
			Action: b.cmdRm,
		},
		{
			Name:      "ls",
			Usage:     "Lists files.",
			ArgsUsage: "[prefix]",
			Flags: []cli.Flag{
				cli.IntFlag{
					Name:  "limit",
					Usage: "list at most this many files",
				},
			},
			Action: b.cmdList,
		},
		{
			Name:      "mark",
			Usage:     "Sets the status of a block file.",
			ArgsUsage: "<block-path> normal|unavailable",
			Action:    b.cmdMark,
		},
		{
			Name:  "scrub",
			Usage: "Checks parity of one file, or of every file.",
			Flags: []cli.Flag{
				pathflag,
			},
			Action: b.cmdScrub,
		},
		{
			Name:  "repair",
			Usage: "Rebuilds one block of a file from the others.",
			Flags: []cli.Flag{
				pathflag,
				cli.IntFlag{
					Name:  "slot",
					Usage: "slot of the block to rebuild",
					Value: -1,
				},
			},
			Action: b.cmdRepair,
		},
		{
			Name:  "dump",
			Usage: "Writes all metadata to a file.",
			Flags: []cli.Flag{
				datafileflag,
			},
			Action: b.cmdDump,
		},
		{
			Name:  "load",
			Usage: "Loads metadata written by dump. Files that exist are skipped.",
			Flags: []cli.Flag{
				datafileflag,
			},
			Action: b.cmdLoad,
		},
		{
			Name:   "shell",
			Usage:  "Starts a shell for interaction.",
			Action: b.cmdShell,
		},
	}
	app.Before = b.beforeSubcommandRun
	b.app = app

	// By default 'HelpName' will be the parent command name('cli' in our case) +
	// command name. Overwrite 'HelpName' to be command name only.
	for i := range b.app.Commands {
		b.app.Commands[i].HelpName = b.app.Commands[i].Name
	}
	return b
}

// run starts a command specified by users.
func (b *raidCli) run(args []string) error {
	return b.app.Run(args)
}

// stop frees up all resource used by the raidCli object.
func (b *raidCli) stop() {
	if b.coord != nil {
		b.coord.Close()
		b.coord = nil
	}
	if b.store != nil {
		if err := b.store.Close(); err != nil {
			log.Errorf("failed to close metadata store: %s", err)
		}
		b.store = nil
	}
}

// loadConfig builds the array configuration from the config file and the
// global flags.
func loadConfig(c *cli.Context) (array.Config, error) {
	cfg := array.DefaultProdConfig
	if name := c.GlobalString("config"); name != "" {
		f, err := os.Open(name)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		if err := json.NewDecoder(f).Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("failed to decode %s: %s", name, err)
		}
	}
	if disks := c.GlobalString("disks"); disks != "" {
		cfg.DiskRoots = strings.Split(disks, ",")
	}
	if meta := c.GlobalString("meta"); meta != "" {
		cfg.MetadataPath = meta
	}
	if backend := c.GlobalString("backend"); backend != "" {
		cfg.MetadataBackend = backend
	}
	if stripe := c.GlobalInt("stripe"); stripe > 0 {
		cfg.StripeSize = stripe
	}
	// Scrubbing from the cli is explicit.
	cfg.ScrubInterval = 0
	return cfg, cfg.Validate()
}

// getCoordinator returns the coordinator for the array, opening it if
// needed. It exits the process if the array can't be opened.
func (b *raidCli) getCoordinator() *array.Coordinator {
	if b.coord != nil {
		return b.coord
	}
	if b.cfg.MetadataPath == "" {
		log.Errorf("No metadata path provided. Use --meta or --config.")
		os.Exit(1)
	}
	store, err := metadata.Open(b.cfg.MetadataBackend, b.cfg.MetadataPath)
	if err != nil {
		log.Errorf("Couldn't open metadata: %s", err)
		os.Exit(1)
	}
	coord, err := array.New(*b.cfg, store)
	if err != nil {
		store.Close()
		log.Errorf("Couldn't create coordinator: %s", err)
		os.Exit(1)
	}
	b.store, b.coord = store, coord
	return coord
}

// This function will be called before any subcommand gets started so some setup
// can be done here.
func (b *raidCli) beforeSubcommandRun(c *cli.Context) error {
	if b.cfg == nil {
		cfg, err := loadConfig(c)
		if err != nil {
			log.Errorf("Bad configuration: %s", err)
			return err
		}
		b.cfg = &cfg
	}

	// See if users have some setup commands to run before any subcommand starts.
	commands := c.GlobalStringSlice("setup")
	if len(commands) != 0 {
		log.Infof("Running setup commands...")
		for _, command := range commands {
			log.Infof("Running command %q", command)
			if err := b.runCommand(strings.Fields(command)...); err != nil {
				log.Errorf("error: %v", err)
				return err
			}
		}
		log.Infof("Setup is done!")
	}
	return nil
}

// cmdInfo implements the "info" subcommand.
func (b *raidCli) cmdInfo(c *cli.Context) {
	cfg := b.cfg
	log.Infof("stripe size %d, metadata %s at %s", cfg.StripeSize, cfg.MetadataBackend, cfg.MetadataPath)
	for i, root := range cfg.DiskRoots {
		u, err := disk.FileSystemUsage(root)
		if err != nil {
			log.Errorf("disk %d %s: %s", i, root, err)
			continue
		}
		log.Infof("disk %d %s: %d of %d bytes available", i, root, u.Avail, u.Total)
	}
	files, err := b.getCoordinator().List(context.Background(), "", 0)
	if err != nil {
		log.Errorf("Error: %s", err)
		return
	}
	var total int64
	for _, f := range files {
		total += f.Size
	}
	log.Infof("%d files, %d bytes", len(files), total)
}

// cmdInit implements the "init" subcommand.
func (b *raidCli) cmdInit(c *cli.Context) {
	if err := b.getCoordinator().Initialize(context.Background()); err != nil {
		log.Errorf("Couldn't initialize: %s", err)
		return
	}
	log.Infof("Array initialized.")
}

// requirePath returns the path flag, or prints help if it's missing.
func (b *raidCli) requirePath(c *cli.Context) (string, bool) {
	path := c.String("path")
	if path == "" {
		b.app.Run([]string{"cli", c.Command.Name, "-h"})
		return "", false
	}
	return path, true
}

// cmdPut implements the "put" subcommand.
func (b *raidCli) cmdPut(c *cli.Context) {
	path, ok := b.requirePath(c)
	if !ok {
		return
	}
	var input io.ReadCloser = os.Stdin
	if filename := c.String("file"); filename != "" {
		var err error
		if input, err = os.Open(filename); err != nil {
			log.Errorf("Couldn't open input file: %v", err)
			return
		}
		defer input.Close()
	}

	res, err := b.getCoordinator().WriteData(context.Background(), input, path)
	if err != nil {
		log.Errorf("Write error: %v", err)
		return
	}
	log.Infof("Wrote %s: %d bytes, sha256 %s", path, res.Total, res.Checksum)
}

// cmdGet implements the "get" subcommand.
func (b *raidCli) cmdGet(c *cli.Context) {
	path, ok := b.requirePath(c)
	if !ok {
		return
	}
	ctx := context.Background()

	var output io.WriteCloser = os.Stdout
	if filename := c.String("file"); filename != "" {
		var err error
		output, err = os.OpenFile(filename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
		if err != nil {
			log.Errorf("Couldn't open output file: %v", err)
			return
		}
		defer output.Close()
	}

	off, length := c.Int64("offset"), c.Int64("length")
	if off == 0 && length <= 0 {
		// The whole file; the checksum gets verified.
		if err := b.getCoordinator().ReadData(ctx, output, path); err != nil {
			log.Errorf("Read error: %v", err)
		}
		return
	}

	s, err := b.getCoordinator().OpenStream(ctx, path)
	if err != nil {
		log.Errorf("Couldn't open file: %v", err)
		return
	}
	defer s.Close()
	if _, err := s.Seek(off, io.SeekStart); err != nil {
		log.Errorf("Seek error: %v", err)
		return
	}
	if length > 0 {
		_, err = io.CopyN(output, s, length)
	} else {
		_, err = s.CopyTo(ctx, output)
	}
	if err != nil && err != io.EOF {
		log.Errorf("Read error: %v", err)
	}
}

// cmdStat implements the "stat" subcommand.
func (b *raidCli) cmdStat(c *cli.Context) {
	path, ok := b.requirePath(c)
	if !ok {
		return
	}
	f, blocks, err := b.getCoordinator().Stat(context.Background(), path)
	if err != nil {
		log.Errorf("Error statting file: %v", err)
		return
	}
	log.Infof("file %s id=%s Size=%d Disks=%d StripeSize=%d", f.Path, f.ID, f.Size, f.Disks, f.StripeSize)
	log.Infof("     Created=%s Modified=%s", f.Created.Format(time.RFC3339), f.Modified.Format(time.RFC3339))
	log.Infof("     Checksum=%s", f.Checksum)
	degraded := 0
	for _, blk := range blocks {
		if blk.Status != core.BlockNormal {
			degraded++
		}
		if c.Bool("verbose") || blk.Status != core.BlockNormal {
			log.Infof("Block %d: %s size=%d %s", blk.Slot, blk.Path, blk.Size, blk.Status)
		}
	}
	if degraded > 0 {
		log.Warningf("%d of %d blocks are not normal", degraded, len(blocks))
	}
}

// cmdRm implements the "rm" subcommand.
func (b *raidCli) cmdRm(c *cli.Context) {
	path, ok := b.requirePath(c)
	if !ok {
		return
	}
	if err := b.getCoordinator().Delete(context.Background(), path); err != nil {
		log.Errorf("Error: %s", err)
		return
	}
	log.Infof("Deleted %s", path)
}

// cmdList implements the "ls" command
func (b *raidCli) cmdList(c *cli.Context) {
	files, err := b.getCoordinator().List(context.Background(), c.Args().First(), c.Int("limit"))
	if err != nil {
		log.Errorf("Error: %s", err)
		return
	}
	for _, f := range files {
		log.Infof("%-40s %12d %s", f.Path, f.Size, f.Modified.Format(time.RFC3339))
	}
}

// cmdMark implements the "mark" command
func (b *raidCli) cmdMark(c *cli.Context) {
	if len(c.Args()) != 2 {
		b.app.Run([]string{"cli", c.Command.Name, "-h"})
		return
	}
	var status core.BlockStatus
	switch c.Args().Get(1) {
	case "normal":
		status = core.BlockNormal
	case "unavailable":
		status = core.BlockUnavailable
	default:
		log.Errorf("Unknown status %q", c.Args().Get(1))
		return
	}
	if err := b.getCoordinator().SetBlockStatus(context.Background(), c.Args().First(), status); err != nil {
		log.Errorf("Error: %s", err)
	}
}

// cmdScrub implements the "scrub" command
func (b *raidCli) cmdScrub(c *cli.Context) {
	ctx := context.Background()
	if path := c.String("path"); path != "" {
		rep, err := b.getCoordinator().Scrub(ctx, path)
		if err != nil {
			log.Errorf("Error: %s", err)
			return
		}
		log.Infof("%s: %d rows, %d bytes read, missing slots %v, bad rows %v",
			rep.Path, rep.Rows, rep.Bytes, rep.Missing, rep.BadRows)
		return
	}
	scrubbed, bad, err := b.getCoordinator().ScrubAll(ctx)
	if err != nil {
		log.Errorf("Error: %s", err)
	}
	log.Infof("Scrubbed %d files, %d with problems", scrubbed, bad)
}

// cmdRepair implements the "repair" command
func (b *raidCli) cmdRepair(c *cli.Context) {
	path, ok := b.requirePath(c)
	if !ok {
		return
	}
	nb, err := b.getCoordinator().Repair(context.Background(), path, c.Int("slot"))
	if err != nil {
		log.Errorf("Error: %s", err)
		return
	}
	log.Infof("Rebuilt block %d at %s", nb.Slot, nb.Path)
}

// cmdDump implements the "dump" command
func (b *raidCli) cmdDump(c *cli.Context) {
	var output io.WriteCloser = os.Stdout
	if filename := c.String("file"); filename != "" {
		var err error
		if output, err = os.Create(filename); err != nil {
			log.Errorf("Couldn't open output file: %v", err)
			return
		}
		defer output.Close()
	}
	b.getCoordinator()
	n, err := metadata.Dump(context.Background(), b.store, output)
	if err != nil {
		log.Errorf("Dump failed after %d files: %s", n, err)
		return
	}
	log.Infof("Dumped %d files", n)
}

// cmdLoad implements the "load" command
func (b *raidCli) cmdLoad(c *cli.Context) {
	var input io.ReadCloser = os.Stdin
	if filename := c.String("file"); filename != "" {
		var err error
		if input, err = os.Open(filename); err != nil {
			log.Errorf("Couldn't open input file: %v", err)
			return
		}
		defer input.Close()
	}
	coord := b.getCoordinator()
	if err := coord.Initialize(context.Background()); err != nil {
		log.Errorf("Couldn't initialize: %s", err)
		return
	}
	n, err := metadata.Load(context.Background(), b.store, input)
	if err != nil {
		log.Errorf("Load failed after %d files: %s", n, err)
		return
	}
	log.Infof("Loaded %d files", n)
}

// cmdShell implements "shell" subcommand.
func (b *raidCli) cmdShell(c *cli.Context) {
	// Make cli not exit on errors.
	cli.OsExiter = func(int) {}

	liner := liner.NewLiner()
	liner.SetCtrlCAborts(true)

	// Add commands auto completion.
	// SetCompleter accepts a function that will be called when users type something
	// in shell. The func takes the currently edited line content at the left of the
	// cursor(stored in 'line') and returns a list of completion candidates.
	liner.SetCompleter(func(line string) (c []string) {
		for _, cmd := range b.app.Commands {
			if strings.HasPrefix(cmd.Name, line) {
				c = append(c, cmd.Name)
			}
		}
		return
	})

	defer liner.Close()

	for {
		input, err := liner.Prompt("(raid) ")
		if err != nil {
			log.Errorf("error: %v", err)
			return
		}

		// We use 'shlex' because we want split input line in to tokens using
		// shell-style rules for quoting and commenting.
		args, err := shlex.Split(input)
		if err != nil {
			log.Errorf("error:%v", err)
			continue
		}

		// Skip empty line.
		if 0 == len(args) {
			continue
		}

		if args[0] == "exit" {
			return
		}

		if b.runCommand(args...) == nil {
			// Adds succeeded command to command history.
			liner.AppendHistory(input)
		}
	}
}

// runCommand runs a command after the cli gets started already(either from command
// interpreter or setup flags). The array configuration is already fixed.
func (b *raidCli) runCommand(args ...string) error {
	return b.run(append([]string{"cli"}, args...))
}
