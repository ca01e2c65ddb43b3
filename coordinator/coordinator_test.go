package coordinator

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collagecommit/collage2pc/wal"
	"github.com/collagecommit/collage2pc/wire"
)

func TestSplitSourceTakesFirstColonOnly(t *testing.T) {
	addr, path, ok := splitSource("A:dir/file:with:colons.png")
	require.True(t, ok)
	assert.Equal(t, "A", addr)
	assert.Equal(t, "dir/file:with:colons.png", path)
}

func TestSplitSourceRejectsMissingColon(t *testing.T) {
	_, _, ok := splitSource("no-colon-here")
	assert.False(t, ok)
}

func TestHandleVoteResponseDedupesSameParticipant(t *testing.T) {
	h := newTxnHandler(1, "out.png", []byte{1}, map[string][]string{"A": {"a"}, "B": {"b"}})
	h.state = Preparing
	h.votingOpen = true

	m := &Manager{}
	m.txns.Store(uint32(1), h)

	m.HandleVoteResponse(1, "A", true)
	m.HandleVoteResponse(1, "A", true) // duplicate, must not double count

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, 1, h.yesCount)
}

func TestHandleVoteResponseFirstNoWins(t *testing.T) {
	h := newTxnHandler(1, "out.png", []byte{1}, map[string][]string{"A": {"a"}, "B": {"b"}})
	h.state = Preparing
	h.votingOpen = true

	m := &Manager{}
	m.txns.Store(uint32(1), h)

	m.HandleVoteResponse(1, "A", false)
	m.HandleVoteResponse(1, "B", false)

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.True(t, h.aborted)
}

func TestHandleVoteResponseAfterVotingClosedIsDropped(t *testing.T) {
	h := newTxnHandler(1, "out.png", []byte{1}, map[string][]string{"A": {"a"}})
	h.state = Preparing
	h.votingOpen = false // deadline already passed

	m := &Manager{}
	m.txns.Store(uint32(1), h)

	m.HandleVoteResponse(1, "A", true)

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, 0, h.yesCount)
}

func TestHandleVoteAckForUnknownTransactionIsDropped(t *testing.T) {
	m := &Manager{}
	// Must not panic: no handler stored for tid 99.
	m.HandleVoteAck(99, "A")
}

func TestHandleVoteAckDedupesSameParticipant(t *testing.T) {
	h := newTxnHandler(1, "out.png", nil, map[string][]string{"A": {"a"}, "B": {"b"}})
	m := &Manager{}
	m.txns.Store(uint32(1), h)

	m.HandleVoteAck(1, "A")
	m.HandleVoteAck(1, "A")

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, 1, h.ackCount)
}

type sentOutcome struct {
	addr   string
	commit bool
}

// recordingTransport is a restart-from-WAL test helper: it stands in for a
// live transport while Recover replays a WAL directory, so a test can
// assert on exactly what a recovering coordinator resends without opening
// a socket.
type recordingTransport struct {
	mu       sync.Mutex
	outcomes []sentOutcome
}

func (r *recordingTransport) Send(addr string, frame []byte) error {
	msgType, tid, body, err := wire.Decode(frame)
	if err != nil || msgType != wire.VoteOutcome {
		return nil
	}
	m, err := wire.DecodeVoteOutcome(tid, body)
	if err != nil {
		return nil
	}
	r.mu.Lock()
	r.outcomes = append(r.outcomes, sentOutcome{addr: addr, commit: m.Commit})
	r.mu.Unlock()
	return nil
}

func (r *recordingTransport) Close() error { return nil }

func (r *recordingTransport) snapshot() []sentOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentOutcome(nil), r.outcomes...)
}

func TestRecoverCommitRepublishesDestinationAndResendsOutcome(t *testing.T) {
	dir := t.TempDir()
	w, err := wal.Open(dir, "wal.log")
	require.NoError(t, err)

	destPath := filepath.Join(dir, "out.png")
	image := []byte{1, 2, 3, 4}
	const tid = uint32(7)

	require.NoError(t, w.LogParticipantList(tid, []string{"A"}))
	require.NoError(t, w.Fsync())
	imgPath, err := w.LogCollage(tid, image)
	require.NoError(t, err)
	require.NoError(t, w.LogDecision(tid, true, destPath, imgPath))
	require.NoError(t, w.Fsync())
	// No RecCoordinatorCompleted record: the process crashed after the
	// decision was logged but before VOTE_OUTCOME went out (spec.md §8
	// scenario 4).
	require.NoError(t, w.Close())

	w2, err := wal.Open(dir, "wal.log")
	require.NoError(t, err)
	tr := &recordingTransport{}
	m := New(w2, tr)

	require.NoError(t, m.Recover())

	require.Eventually(t, func() bool {
		return len(tr.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
	outcomes := tr.snapshot()
	assert.Equal(t, "A", outcomes[0].addr)
	assert.True(t, outcomes[0].commit)

	got, err := os.ReadFile(destPath)
	require.NoError(t, err)
	assert.Equal(t, image, got)

	// Let the background ack-collection goroutine spawned by
	// recoverCommit's awaitAcks finish instead of leaking past the test.
	m.HandleVoteAck(tid, "A")
}

func TestRecoverAbortResendsOutcomeToAllAndDoesNotWaitForAcks(t *testing.T) {
	dir := t.TempDir()
	w, err := wal.Open(dir, "wal.log")
	require.NoError(t, err)

	const tid = uint32(9)
	require.NoError(t, w.LogParticipantList(tid, []string{"A", "B"}))
	require.NoError(t, w.Fsync())
	require.NoError(t, w.LogDecision(tid, false, "", ""))
	require.NoError(t, w.Fsync())
	require.NoError(t, w.Close())

	w2, err := wal.Open(dir, "wal.log")
	require.NoError(t, err)
	tr := &recordingTransport{}
	m := New(w2, tr)

	require.NoError(t, m.Recover())

	outcomes := tr.snapshot()
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		assert.False(t, o.commit)
	}

	// recoverAbort must not re-collect acks (spec.md §4.5 item 2): the
	// transaction is already complete by the time Recover returns, with
	// no ack ever sent.
	_, stillTracked := m.txns.Load(tid)
	assert.False(t, stillTracked)
}

func TestRecoverAbortOnParticipantListWithNoDecisionRecord(t *testing.T) {
	dir := t.TempDir()
	w, err := wal.Open(dir, "wal.log")
	require.NoError(t, err)

	const tid = uint32(3)
	require.NoError(t, w.LogParticipantList(tid, []string{"A"}))
	require.NoError(t, w.Fsync())
	// Crashed before any decision was ever reached.
	require.NoError(t, w.Close())

	w2, err := wal.Open(dir, "wal.log")
	require.NoError(t, err)
	tr := &recordingTransport{}
	m := New(w2, tr)

	require.NoError(t, m.Recover())

	outcomes := tr.snapshot()
	require.Len(t, outcomes, 1)
	assert.Equal(t, "A", outcomes[0].addr)
	assert.False(t, outcomes[0].commit)
}
