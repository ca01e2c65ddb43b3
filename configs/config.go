// Package configs holds the tunables of the commit protocol, following the
// teacher's package-level-var-block convention rather than a parsed config
// struct threaded through every constructor.
package configs

import (
	"os"
	"time"

	"github.com/magiconair/properties"
)

// Protocol timing, defaulting to spec.md §4.3's constants.
var (
	VoteTimeout = 3 * time.Second
	AckTimeout  = 3 * time.Second
	MaxRetries  = 20
)

// Persisted-state layout (spec.md §6).
var (
	WALFileName = "wal.log"
)

// LoadProperties overlays the tunables above with values from a flat
// key=value properties file, the CLI's override mechanism. A missing file
// is not an error — the defaults above stand.
func LoadProperties(path string) error {
	if path == "" {
		return nil
	}
	p, err := properties.LoadFile(path, properties.UTF8)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	voteMS := p.GetInt64("vote_timeout_ms", int64(VoteTimeout/time.Millisecond))
	VoteTimeout = time.Duration(voteMS) * time.Millisecond
	ackMS := p.GetInt64("ack_timeout_ms", int64(AckTimeout/time.Millisecond))
	AckTimeout = time.Duration(ackMS) * time.Millisecond
	MaxRetries = p.GetInt("max_retries", MaxRetries)
	WALFileName = p.GetString("wal_file_name", WALFileName)
	return nil
}
