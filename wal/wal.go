// Package wal implements the write-ahead log shared by the coordinator and
// participant state machines (spec.md §4.2): an append-only text file, one
// record per line, comma-separated fields terminated by the literal token
// EOL. A line not ending in EOL is a torn tail and is ignored on replay —
// the only mechanism protecting against partial writes, so the encoding is
// kept exactly as specified rather than swapped for a library's own framing
// (see DESIGN.md for why github.com/tidwall/wal does not fit here).
package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/collagecommit/collage2pc/xerrors"
)

// Record type tags, the second field of every WAL line.
const (
	RecParticipantList       uint8 = 0 // coordinator: tid,0,n,p1,...,pN,EOL
	RecDecision              uint8 = 1 // coordinator: tid,1,commit,filename,imgpath,EOL
	RecCoordinatorCompleted  uint8 = 2 // coordinator: tid,2,EOL
	RecStagedCommit          uint8 = 3 // participant: tid,3,n,f1,...,fN,EOL
	RecParticipantCompleted  uint8 = 4 // participant: tid,4,EOL
)

const eol = "EOL"

// Writer appends records to a single WAL file. Writes are serialized
// through a single process-wide mutex per Writer; Fsync is a distinct call
// the caller invokes after a logically-linked group of writes, matching the
// invariants in spec.md §3 that pair a log write with a durability barrier
// before sending any message.
type Writer struct {
	mu   sync.Mutex
	f    *os.File
	dir  string
	path string
}

// Open opens (creating if absent) the WAL file named filename inside dir.
func Open(dir, filename string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, filename)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open wal %s: %v", xerrors.ErrLocalIO, path, err)
	}
	return &Writer{f: f, dir: dir, path: path}, nil
}

// Path returns the WAL file's path.
func (w *Writer) Path() string { return w.path }

// Dir returns the directory the WAL (and any blob side-files) live in.
func (w *Writer) Dir() string { return w.dir }

func (w *Writer) appendLine(fields []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	line := strings.Join(append(fields, eol), ",") + "\n"
	if _, err := w.f.WriteString(line); err != nil {
		return fmt.Errorf("%w: append wal record: %v", xerrors.ErrLocalIO, err)
	}
	return nil
}

// Fsync flushes the WAL file to stable storage. Callers invoke it after
// whichever group of appendLine calls the protocol requires to be durable
// before sending a message (spec.md invariants 3-6).
func (w *Writer) Fsync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("%w: fsync wal: %v", xerrors.ErrLocalIO, err)
	}
	return nil
}

// LogParticipantList appends a coordinator participant-list record for tid.
func (w *Writer) LogParticipantList(tid uint32, participants []string) error {
	fields := append([]string{u32(tid), u8(RecParticipantList), strconv.Itoa(len(participants))}, participants...)
	return w.appendLine(fields)
}

// LogDecision appends a coordinator decision record for tid. imgPath is
// empty on abort.
func (w *Writer) LogDecision(tid uint32, commit bool, filename, imgPath string) error {
	fields := []string{u32(tid), u8(RecDecision), strconv.FormatBool(commit), filename, imgPath}
	return w.appendLine(fields)
}

// LogCoordinatorCompleted appends a coordinator completion record for tid.
func (w *Writer) LogCoordinatorCompleted(tid uint32) error {
	return w.appendLine([]string{u32(tid), u8(RecCoordinatorCompleted)})
}

// LogStagedCommit appends a participant staged-commit record for tid.
func (w *Writer) LogStagedCommit(tid uint32, files []string) error {
	fields := append([]string{u32(tid), u8(RecStagedCommit), strconv.Itoa(len(files))}, files...)
	return w.appendLine(fields)
}

// LogParticipantCompleted appends a participant local-apply-completed
// record for tid.
func (w *Writer) LogParticipantCompleted(tid uint32) error {
	return w.appendLine([]string{u32(tid), u8(RecParticipantCompleted)})
}

// LogCollage writes the coordinator's committed image blob to
// <tid>_img.bin next to the WAL file and fsyncs it. It must complete before
// the caller appends the matching decision record (spec.md §4.2, invariant
// 4).
func (w *Writer) LogCollage(tid uint32, img []byte) (string, error) {
	path := filepath.Join(w.dir, fmt.Sprintf("%d_img.bin", tid))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("%w: create blob %s: %v", xerrors.ErrLocalIO, path, err)
	}
	defer f.Close()
	if _, err := f.Write(img); err != nil {
		return "", fmt.Errorf("%w: write blob %s: %v", xerrors.ErrLocalIO, path, err)
	}
	if err := f.Sync(); err != nil {
		return "", fmt.Errorf("%w: fsync blob %s: %v", xerrors.ErrLocalIO, path, err)
	}
	return path, nil
}

// Close closes the underlying file handle.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

func u32(v uint32) string { return strconv.FormatUint(uint64(v), 10) }
func u8(v uint8) string   { return strconv.FormatUint(uint64(v), 10) }
