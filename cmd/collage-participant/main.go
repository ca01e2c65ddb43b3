// Command collage-participant runs the participant half of the commit
// protocol (spec.md §6). Usage: collage-participant <port> <id>.
//
// askUser is an injected capability per spec.md §1; this binary's default
// is to approve every request, since the actual approval policy (a human
// prompt, an ACL, a quota check) is an embedding-environment decision the
// spec deliberately leaves open. A participant embedded in a real
// deployment would construct participant.Participant directly and supply
// its own AskUser instead of running this command.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/collagecommit/collage2pc/configs"
	"github.com/collagecommit/collage2pc/participant"
	"github.com/collagecommit/collage2pc/transport"
	"github.com/collagecommit/collage2pc/wal"
	"github.com/collagecommit/collage2pc/xlog"
)

var coordinatorAddr string

func usage() {
	fmt.Fprintln(os.Stderr, "usage: collage-participant <port> <id>")
}

func init() {
	flag.StringVar(&coordinatorAddr, "coordinator", "127.0.0.1:5000", "the coordinator's address")
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 2 {
		usage()
		os.Exit(1)
	}
	port := flag.Arg(0)
	id := flag.Arg(1)

	if err := configs.LoadProperties("collage.properties"); err != nil {
		xlog.Warnf("participant %s: failed to load collage.properties: %v", id, err)
	}

	tr, err := transport.Listen(":" + port)
	if err != nil {
		fmt.Fprintf(os.Stderr, "participant %s: listen on port %s: %v\n", id, port, err)
		os.Exit(1)
	}

	log, err := wal.Open(".", configs.WALFileName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "participant %s: open wal: %v\n", id, err)
		os.Exit(1)
	}

	p := participant.New(id, coordinatorAddr, log, tr, approveAll)
	tr.SetHandler(p)

	if err := p.Recover(); err != nil {
		fmt.Fprintf(os.Stderr, "participant %s: recover: %v\n", id, err)
		os.Exit(1)
	}

	xlog.Debugf("participant %s listening on port %s, coordinator at %s", id, port, coordinatorAddr)
	tr.Run()
}

func approveAll(image []byte, files []string) bool { return true }
