// Package coordinator implements the coordinator half of the commit
// protocol (spec.md §4.3): driving each transaction through
// Prepare, Decide, Notify and Ack-collect, with its own WAL for crash
// recovery.
package coordinator

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/collagecommit/collage2pc/configs"
	"github.com/collagecommit/collage2pc/transport"
	"github.com/collagecommit/collage2pc/wal"
	"github.com/collagecommit/collage2pc/wire"
	"github.com/collagecommit/collage2pc/xerrors"
	"github.com/collagecommit/collage2pc/xlog"
)

// State is the coordinator-side per-TID lifecycle (spec.md §4.3).
type State uint8

const (
	Init State = iota
	Preparing
	DecideCommit
	DecideAbort
	AwaitingAcks
	Completed
)

type txnHandler struct {
	mu sync.Mutex

	tid          uint32
	filename     string
	image        []byte
	participants map[string][]string // address -> this participant's files

	state State

	voted      map[string]bool
	yesCount   int
	aborted    bool
	votingOpen bool

	acked       map[string]bool
	ackCount    int
	voteOnce    sync.Once
	voteFinish  chan struct{}
	ackOnce     sync.Once
	ackFinish   chan struct{}
	commit      bool
}

func newTxnHandler(tid uint32, filename string, image []byte, participants map[string][]string) *txnHandler {
	return &txnHandler{
		tid:          tid,
		filename:     filename,
		image:        image,
		participants: participants,
		state:        Init,
		voted:        make(map[string]bool, len(participants)),
		acked:        make(map[string]bool, len(participants)),
		voteFinish:   make(chan struct{}),
		ackFinish:    make(chan struct{}),
	}
}

func (h *txnHandler) signalVoteDone() {
	h.voteOnce.Do(func() { close(h.voteFinish) })
}

func (h *txnHandler) signalAckDone() {
	h.ackOnce.Do(func() { close(h.ackFinish) })
}

// Manager drives every in-flight transaction and answers incoming
// VOTE_RESPONSE / VOTE_ACK messages. One Manager per coordinator process.
type Manager struct {
	log       *wal.Writer
	transport transport.Transport

	tidCounter uint32
	txns       sync.Map // uint32 -> *txnHandler

	// IncompleteAcks counts transactions that exhausted MAX_RETRIES while
	// still missing at least one participant ACK (spec.md §9, open
	// question: "implementations should expose a metric rather than
	// silence").
	IncompleteAcks int64
}

// New wires a Manager to its WAL and transport.
func New(log *wal.Writer, tr transport.Transport) *Manager {
	return &Manager{log: log, transport: tr}
}

// StartCommit parses sources into a per-address file map, allocates a
// fresh TID, durably logs the participant list, and spawns the
// transaction's task. It returns immediately, per spec.md §5.
func (m *Manager) StartCommit(filename string, image []byte, sources []string) (uint32, error) {
	byAddr := make(map[string][]string)
	var order []string
	for _, src := range sources {
		addr, path, ok := splitSource(src)
		if !ok {
			return 0, fmt.Errorf("%w: malformed source %q", xerrors.ErrMalformedFrame, src)
		}
		if _, seen := byAddr[addr]; !seen {
			order = append(order, addr)
		}
		byAddr[addr] = append(byAddr[addr], path)
	}

	tid := atomic.AddUint32(&m.tidCounter, 1)
	if err := m.log.LogParticipantList(tid, order); err != nil {
		return 0, err
	}
	if err := m.log.Fsync(); err != nil {
		return 0, err
	}

	h := newTxnHandler(tid, filename, image, byAddr)
	m.txns.Store(tid, h)
	xlog.Debugf("TXN%d: transaction created on coordinator, %d participants", tid, len(byAddr))
	go m.run(h)
	return tid, nil
}

func splitSource(src string) (addr, path string, ok bool) {
	i := strings.Index(src, ":")
	if i < 0 {
		return "", "", false
	}
	return src[:i], src[i+1:], true
}

func (m *Manager) run(h *txnHandler) {
	m.prepare(h)
	commit := m.decide(h)
	m.awaitAcks(h, commit)
}

func (m *Manager) prepare(h *txnHandler) {
	h.mu.Lock()
	h.state = Preparing
	h.votingOpen = true
	h.mu.Unlock()

	var g errgroup.Group
	for addr, files := range h.participants {
		addr, files := addr, files
		frame := wire.EncodeVoteRequest(wire.VoteRequestMsg{TID: h.tid, Image: h.image, Files: files})
		g.Go(func() error {
			if err := m.transport.Send(addr, frame); err != nil {
				xlog.Warnf("TXN%d: failed to send VOTE_REQUEST to %s: %v", h.tid, addr, err)
			}
			return nil
		})
	}
	g.Wait()

	select {
	case <-time.After(configs.VoteTimeout):
		xlog.Debugf("TXN%d: vote phase timed out with %d/%d yes votes", h.tid, h.yesCount, len(h.participants))
	case <-h.voteFinish:
	}

	h.mu.Lock()
	h.votingOpen = false
	h.mu.Unlock()
}

// HandleVoteResponse implements spec.md §4.3's vote-collection rules: a
// duplicate vote from the same participant is deduped, a single NO flips
// the decision, and anything arriving after the vote deadline has already
// closed is silently dropped.
func (m *Manager) HandleVoteResponse(tid uint32, from string, vote bool) {
	v, ok := m.txns.Load(tid)
	if !ok {
		xlog.Warnf("TXN%d: vote response for unknown transaction, dropped", tid)
		return
	}
	h := v.(*txnHandler)

	h.mu.Lock()
	if !h.votingOpen {
		h.mu.Unlock()
		return
	}
	if h.voted[from] {
		h.mu.Unlock()
		return
	}
	h.voted[from] = true
	if vote {
		h.yesCount++
	} else {
		h.aborted = true
	}
	done := h.aborted || h.yesCount == len(h.participants)
	h.mu.Unlock()

	if done {
		h.signalVoteDone()
	}
}

func (m *Manager) decide(h *txnHandler) bool {
	h.mu.Lock()
	commit := !h.aborted && h.yesCount == len(h.participants)
	h.commit = commit
	h.mu.Unlock()

	imgPath := ""
	if commit {
		path, err := m.log.LogCollage(h.tid, h.image)
		xerrors.CheckError(err)
		imgPath = path
	}
	err := m.log.LogDecision(h.tid, commit, h.filename, imgPath)
	xerrors.CheckError(err)
	err = m.log.Fsync()
	xerrors.CheckError(err)

	if commit {
		xlog.Debugf("TXN%d: decision COMMIT, publishing %s", h.tid, h.filename)
		publish(h.filename, h.image)
	} else {
		xlog.Debugf("TXN%d: decision ABORT", h.tid)
	}
	return commit
}

func publish(filename string, image []byte) {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		xlog.Warnf("publish %s: %v", filename, err)
		return
	}
	defer f.Close()
	if _, err := f.Write(image); err != nil {
		xlog.Warnf("publish %s: %v", filename, err)
	}
}

func (m *Manager) awaitAcks(h *txnHandler, commit bool) {
	h.mu.Lock()
	h.state = AwaitingAcks
	h.mu.Unlock()

	m.sendOutcomeToAll(h, commit)

	for round := 0; round < configs.MaxRetries; round++ {
		select {
		case <-h.ackFinish:
			m.complete(h)
			return
		case <-time.After(configs.AckTimeout):
			missing := m.missingAcks(h)
			if len(missing) == 0 {
				m.complete(h)
				return
			}
			xlog.Debugf("TXN%d: retransmitting VOTE_OUTCOME to %d non-ackers (round %d)", h.tid, len(missing), round+1)
			for _, addr := range missing {
				frame := wire.EncodeVoteOutcome(wire.VoteOutcomeMsg{TID: h.tid, Commit: commit})
				if err := m.transport.Send(addr, frame); err != nil {
					xlog.Warnf("TXN%d: failed to resend VOTE_OUTCOME to %s: %v", h.tid, addr, err)
				}
			}
		}
	}

	atomic.AddInt64(&m.IncompleteAcks, 1)
	xlog.Warnf("TXN%d: giving up after %d retries with acks still missing", h.tid, configs.MaxRetries)
	m.complete(h)
}

func (m *Manager) sendOutcomeToAll(h *txnHandler, commit bool) {
	var g errgroup.Group
	for addr := range h.participants {
		addr := addr
		frame := wire.EncodeVoteOutcome(wire.VoteOutcomeMsg{TID: h.tid, Commit: commit})
		g.Go(func() error {
			if err := m.transport.Send(addr, frame); err != nil {
				xlog.Warnf("TXN%d: failed to send VOTE_OUTCOME to %s: %v", h.tid, addr, err)
			}
			return nil
		})
	}
	g.Wait()
}

func (m *Manager) missingAcks(h *txnHandler) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var missing []string
	for addr := range h.participants {
		if !h.acked[addr] {
			missing = append(missing, addr)
		}
	}
	return missing
}

// HandleVoteAck implements spec.md §4.3's ack bookkeeping: an ack for an
// unknown TID is dropped, and a duplicate ack from the same participant is
// harmless.
func (m *Manager) HandleVoteAck(tid uint32, participantID string) {
	v, ok := m.txns.Load(tid)
	if !ok {
		xlog.Warnf("TXN%d: ack for unknown transaction, dropped", tid)
		return
	}
	h := v.(*txnHandler)

	h.mu.Lock()
	if !h.acked[participantID] {
		h.acked[participantID] = true
		h.ackCount++
	}
	done := h.ackCount == len(h.participants)
	h.mu.Unlock()

	if done {
		h.signalAckDone()
	}
}

func (m *Manager) complete(h *txnHandler) {
	h.mu.Lock()
	h.state = Completed
	h.mu.Unlock()
	err := m.log.LogCoordinatorCompleted(h.tid)
	xerrors.CheckError(err)
	err = m.log.Fsync()
	xerrors.CheckError(err)
	m.txns.Delete(h.tid)
}

// HandleFrame implements transport.Handler, dispatching VOTE_RESPONSE and
// VOTE_ACK messages to their handlers. A VOTE_RESPONSE carries no sender
// id, so from (the transport address) identifies the voter; a VOTE_ACK is
// attributed to the participant id in its payload.
func (m *Manager) HandleFrame(from string, frame []byte) {
	msgType, tid, body, err := wire.Decode(frame)
	if err != nil {
		xlog.Warnf("coordinator: dropping malformed frame from %s: %v", from, err)
		return
	}
	switch msgType {
	case wire.VoteResponse:
		v, err := wire.DecodeVoteResponse(tid, body)
		if err != nil {
			xlog.Warnf("coordinator: malformed VOTE_RESPONSE tid=%d: %v", tid, err)
			return
		}
		m.HandleVoteResponse(v.TID, from, v.Vote)
	case wire.VoteAck:
		v, err := wire.DecodeVoteAck(tid, body)
		if err != nil {
			xlog.Warnf("coordinator: malformed VOTE_ACK tid=%d: %v", tid, err)
			return
		}
		m.HandleVoteAck(v.TID, v.ParticipantID)
	default:
		xlog.Warnf("coordinator: unexpected message type %d for tid=%d", msgType, tid)
	}
}

// Recover replays the WAL and resumes every transaction that had not
// reached COMPLETED (spec.md §4.5). It first seeds StartCommit's TID
// counter above every TID seen in the log. Must run before the transport
// starts accepting live traffic and before the first StartCommit call.
func (m *Manager) Recover() error {
	records, err := wal.ReadAll(m.log.Path())
	if err != nil {
		return err
	}
	maxTID := wal.MaxTID(records)
	if maxTID > atomic.LoadUint32(&m.tidCounter) {
		atomic.StoreUint32(&m.tidCounter, maxTID)
	}

	latest := wal.LatestPerTID(records)
	participantLists := make(map[uint32][]string)
	for _, r := range records {
		if r.Type == wal.RecParticipantList {
			if parts, ok := r.ParticipantList(); ok {
				participantLists[r.TID] = parts
			}
		}
	}

	for tid, rec := range latest {
		switch rec.Type {
		case wal.RecCoordinatorCompleted:
			continue
		case wal.RecParticipantList:
			m.recoverAbort(tid, participantLists[tid])
		case wal.RecDecision:
			commit, filename, imgPath, ok := rec.Decision()
			if !ok {
				continue
			}
			if !commit {
				m.recoverAbort(tid, participantLists[tid])
				continue
			}
			m.recoverCommit(tid, filename, imgPath, participantLists[tid])
		}
	}
	return nil
}

// recoverAbort implements spec.md §4.5 item 2 literally: resend
// VOTE_OUTCOME(commit=false) to every known participant and do not
// re-collect acks. A participant's own ACK handling is idempotent and a
// fresh ack for this TID finds no handler in m.txns (HandleVoteAck drops
// it as unknown), so nothing is lost by not waiting here — only a bounded
// amount of redundant network traffic is skipped, as the spec directs.
func (m *Manager) recoverAbort(tid uint32, participants []string) {
	xlog.Debugf("TXN%d: recovering as ABORT, resending VOTE_OUTCOME", tid)
	h := newTxnHandler(tid, "", nil, addrsToMap(participants))
	h.state = AwaitingAcks
	m.sendOutcomeToAll(h, false)
	m.complete(h)
}

func (m *Manager) recoverCommit(tid uint32, filename, imgPath string, participants []string) {
	xlog.Debugf("TXN%d: recovering as COMMIT, re-publishing %s", tid, filename)
	if blob, err := os.ReadFile(imgPath); err == nil {
		publish(filename, blob)
	} else if !os.IsNotExist(err) {
		xlog.Warnf("TXN%d: failed to reread blob %s: %v", tid, imgPath, err)
	}
	h := newTxnHandler(tid, filename, nil, addrsToMap(participants))
	h.commit = true
	m.txns.Store(tid, h)
	go m.awaitAcks(h, true)
}

func addrsToMap(addrs []string) map[string][]string {
	m := make(map[string][]string, len(addrs))
	for _, a := range addrs {
		m[a] = nil
	}
	return m
}

// Close releases the coordinator's WAL handle.
func (m *Manager) Close() error {
	return m.log.Close()
}
