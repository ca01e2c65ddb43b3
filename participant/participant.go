// Package participant implements the participant half of the commit
// protocol (spec.md §4.4): guarding a local file namespace against
// concurrent transactions, voting on a coordinator's VOTE_REQUEST, and
// applying whatever decision the coordinator eventually announces.
package participant

import (
	"os"
	"strconv"
	"sync"

	"github.com/collagecommit/collage2pc/locks"
	"github.com/collagecommit/collage2pc/transport"
	"github.com/collagecommit/collage2pc/wal"
	"github.com/collagecommit/collage2pc/wire"
	"github.com/collagecommit/collage2pc/xerrors"
	"github.com/collagecommit/collage2pc/xlog"
)

// AskUser is the injected approval hook: given the candidate image and the
// files this participant would relinquish, it reports whether the vote
// should be YES. Called synchronously inside vote handling (spec.md §5).
type AskUser func(image []byte, files []string) bool

// State is the participant-side per-TID lifecycle (spec.md §4.4).
type State uint8

const (
	Idle State = iota
	Staged
	AppliedCommit
	AppliedAbort
)

type txn struct {
	state State
	files []string
}

// Participant is the participant node's message handler and recovery
// driver. One Participant owns one process-wide file lock set and one WAL.
type Participant struct {
	ID              string
	CoordinatorAddr string

	askUser   AskUser
	locks     *locks.FileSet
	log       *wal.Writer
	transport transport.Transport

	mu   sync.Mutex
	txns map[uint32]*txn
}

// New wires a Participant to its local lock set, WAL, transport, and
// approval hook.
func New(id, coordinatorAddr string, log *wal.Writer, tr transport.Transport, askUser AskUser) *Participant {
	return &Participant{
		ID:              id,
		CoordinatorAddr: coordinatorAddr,
		askUser:         askUser,
		locks:           locks.New(),
		log:             log,
		transport:       tr,
		txns:            make(map[uint32]*txn),
	}
}

// HandleFrame implements transport.Handler. from is unused — the
// participant always replies to its configured coordinator address, since
// the spec models exactly one coordinator per deployment.
func (p *Participant) HandleFrame(from string, frame []byte) {
	msgType, tid, body, err := wire.Decode(frame)
	if err != nil {
		xlog.Warnf("participant %s: dropping malformed frame from %s: %v", p.ID, from, err)
		return
	}
	switch msgType {
	case wire.VoteRequest:
		m, err := wire.DecodeVoteRequest(tid, body)
		if err != nil {
			xlog.Warnf("participant %s: malformed VOTE_REQUEST tid=%d: %v", p.ID, tid, err)
			return
		}
		p.HandleVoteRequest(m.TID, m.Image, m.Files)
	case wire.VoteOutcome:
		m, err := wire.DecodeVoteOutcome(tid, body)
		if err != nil {
			xlog.Warnf("participant %s: malformed VOTE_OUTCOME tid=%d: %v", p.ID, tid, err)
			return
		}
		p.HandleVoteOutcome(m.TID, m.Commit)
	default:
		xlog.Warnf("participant %s: unexpected message type %d for tid=%d", p.ID, msgType, tid)
	}
}

// HandleVoteRequest implements spec.md §4.4's VOTE_REQUEST handling: ask
// the user, then atomically check-and-lock the listed files, logging the
// staged-commit entry before the YES vote goes out.
func (p *Participant) HandleVoteRequest(tid uint32, image []byte, files []string) {
	approved := p.askUser(image, files)
	if !approved {
		xlog.Debugf("TXN%s: participant %s votes NO (user declined)", tid32(tid), p.ID)
		p.sendResponse(tid, false)
		return
	}
	if !p.locks.TryLock(tid, files) {
		xlog.Debugf("TXN%s: participant %s votes NO (file contention)", tid32(tid), p.ID)
		p.sendResponse(tid, false)
		return
	}
	if err := p.log.LogStagedCommit(tid, files); err != nil {
		xerrors.CheckError(err)
	}
	if err := p.log.Fsync(); err != nil {
		xerrors.CheckError(err)
	}
	p.mu.Lock()
	p.txns[tid] = &txn{state: Staged, files: files}
	p.mu.Unlock()
	xlog.Debugf("TXN%s: participant %s votes YES", tid32(tid), p.ID)
	p.sendResponse(tid, true)
}

// HandleVoteOutcome implements spec.md §4.4's VOTE_OUTCOME handling. Every
// effect is idempotent, including for a TID this participant never staged:
// the ACK still goes out, to break the coordinator's retransmission.
func (p *Participant) HandleVoteOutcome(tid uint32, commit bool) {
	p.mu.Lock()
	t, ok := p.txns[tid]
	if !ok {
		t = &txn{}
		p.txns[tid] = t
	}
	files := t.files
	already := t.state == AppliedCommit || t.state == AppliedAbort
	p.mu.Unlock()

	if !already {
		if commit {
			for _, f := range files {
				if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
					xlog.Warnf("TXN%s: participant %s failed to delete %s: %v", tid32(tid), p.ID, f, err)
				}
			}
		} else {
			p.locks.Unlock(tid, files)
		}
		p.mu.Lock()
		if commit {
			t.state = AppliedCommit
		} else {
			t.state = AppliedAbort
		}
		p.mu.Unlock()
	}

	p.sendAck(tid)
	if err := p.log.LogParticipantCompleted(tid); err != nil {
		xerrors.CheckError(err)
	}
	if err := p.log.Fsync(); err != nil {
		xerrors.CheckError(err)
	}
}

func (p *Participant) sendResponse(tid uint32, vote bool) {
	frame := wire.EncodeVoteResponse(wire.VoteResponseMsg{TID: tid, Vote: vote})
	if err := p.transport.Send(p.CoordinatorAddr, frame); err != nil {
		xlog.Warnf("TXN%s: participant %s failed to send vote response: %v", tid32(tid), p.ID, err)
	}
}

func (p *Participant) sendAck(tid uint32) {
	frame := wire.EncodeVoteAck(wire.VoteAckMsg{TID: tid, ParticipantID: p.ID})
	if err := p.transport.Send(p.CoordinatorAddr, frame); err != nil {
		xlog.Warnf("TXN%s: participant %s failed to send ack: %v", tid32(tid), p.ID, err)
	}
}

// Recover replays the WAL and reconstructs in-flight state before the
// participant starts serving live traffic (spec.md §4.5). A staged
// transaction with no completion record is re-locked and its YES vote is
// resent so the coordinator's retransmission path can converge; a
// completed transaction requires nothing further.
func (p *Participant) Recover() error {
	records, err := wal.ReadAll(p.log.Path())
	if err != nil {
		return err
	}
	latest := wal.LatestPerTID(records)
	for tid, rec := range latest {
		if rec.Type == wal.RecParticipantCompleted {
			continue
		}
		files, ok := rec.StagedFiles()
		if !ok {
			continue
		}
		p.locks.TryLock(tid, files)
		p.mu.Lock()
		p.txns[tid] = &txn{state: Staged, files: files}
		p.mu.Unlock()
		xlog.Debugf("TXN%s: participant %s recovering staged transaction, resending YES", tid32(tid), p.ID)
		p.sendResponse(tid, true)
	}
	return nil
}

func tid32(tid uint32) string { return strconv.FormatUint(uint64(tid), 10) }
