// Command collage-coordinator runs the coordinator half of the commit
// protocol (spec.md §6). Usage: collage-coordinator <port>.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/collagecommit/collage2pc/configs"
	"github.com/collagecommit/collage2pc/coordinator"
	"github.com/collagecommit/collage2pc/transport"
	"github.com/collagecommit/collage2pc/wal"
	"github.com/collagecommit/collage2pc/xlog"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: collage-coordinator <port>")
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 1 {
		usage()
		os.Exit(1)
	}
	port := flag.Arg(0)

	if err := configs.LoadProperties("collage.properties"); err != nil {
		xlog.Warnf("coordinator: failed to load collage.properties: %v", err)
	}

	// The transport is created before the Manager so that recovery (below)
	// may send messages, per spec.md §4.5.
	tr, err := transport.Listen(":" + port)
	if err != nil {
		fmt.Fprintf(os.Stderr, "coordinator: listen on port %s: %v\n", port, err)
		os.Exit(1)
	}

	log, err := wal.Open(".", configs.WALFileName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "coordinator: open wal: %v\n", err)
		os.Exit(1)
	}

	mgr := coordinator.New(log, tr)
	tr.SetHandler(mgr)

	if err := mgr.Recover(); err != nil {
		fmt.Fprintf(os.Stderr, "coordinator: recover: %v\n", err)
		os.Exit(1)
	}

	xlog.Debugf("coordinator listening on port %s", port)
	tr.Run()
}
