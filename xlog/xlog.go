// Package xlog provides the leveled, switch-gated print helpers used
// throughout the commit protocol, in the teacher's style: cheap boolean
// gates rather than a level-filtered structured logger, since the nodes in
// this system are long-running single processes, not a fleet reporting to
// a central collector.
package xlog

import (
	"fmt"
	"log"
	"time"

	"github.com/goccy/go-json"
	"github.com/tidwall/pretty"
)

// Debug and Trace gate the two verbosity tiers used by the coordinator and
// participant state machines. ToFile redirects both through the standard
// logger (with timestamps) instead of stdout.
var (
	Debug  = false
	Trace  = false
	ToFile = false
)

func printf(format string, a ...interface{}) {
	line := time.Now().Format("15:04:05.00") + " <---> " + format
	if ToFile {
		log.Printf(line, a...)
	} else {
		fmt.Printf(line+"\n", a...)
	}
}

// Debugf logs a debug-tier line when Debug is enabled.
func Debugf(format string, a ...interface{}) {
	if Debug {
		printf(format, a...)
	}
}

// Tracef logs a trace-tier line when Trace is enabled. Trace is the noisier
// of the two tiers, used for per-message protocol chatter.
func Tracef(format string, a ...interface{}) {
	if Trace {
		printf(format, a...)
	}
}

// Warnf always logs — recoverable errors the spec says to log and move on
// (malformed frame, delete/publish failure) go through here.
func Warnf(format string, a ...interface{}) {
	printf("[WARN] "+format, a...)
}

// JSON pretty-prints v as JSON when Debug is enabled. Used for dumping
// transaction/handler state during development.
func JSON(v interface{}) {
	if !Debug {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Println(string(pretty.Pretty(b)))
}
