// Package collage2pc_test drives the coordinator and participant state
// machines together over the in-memory Loopback transport, exercising the
// end-to-end scenarios enumerated in spec.md §8.
package collage2pc_test

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collagecommit/collage2pc/coordinator"
	"github.com/collagecommit/collage2pc/participant"
	"github.com/collagecommit/collage2pc/transport"
	"github.com/collagecommit/collage2pc/wal"
	"github.com/collagecommit/collage2pc/wire"
)

const coordinatorAddr = "coordinator"

func newCoordinator(t *testing.T) (*coordinator.Manager, *transport.Loopback) {
	t.Helper()
	dir := t.TempDir()
	w, err := wal.Open(dir, "wal.log")
	require.NoError(t, err)
	lb := transport.NewLoopback(coordinatorAddr)
	mgr := coordinator.New(w, lb)
	lb.SetHandler(mgr)
	t.Cleanup(func() { lb.Close() })
	return mgr, lb
}

func newParticipant(t *testing.T, addr string, approve bool) (*participant.Participant, string, *transport.Loopback) {
	t.Helper()
	dir := t.TempDir()
	w, err := wal.Open(dir, "wal.log")
	require.NoError(t, err)
	lb := transport.NewLoopback(addr)
	p := participant.New(addr, coordinatorAddr, w, lb, func(image []byte, files []string) bool { return approve })
	lb.SetHandler(p)
	t.Cleanup(func() { lb.Close() })
	return p, dir, lb
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func TestSingleParticipantHappyCommit(t *testing.T) {
	dir := t.TempDir()
	aFile := filepath.Join(dir, "a.png")
	require.NoError(t, os.WriteFile(aFile, []byte("source"), 0o644))

	mgr, _ := newCoordinator(t)
	_, _, _ = newParticipant(t, "A", true)

	outPath := filepath.Join(dir, "out.png")
	image := []byte{1, 2, 3, 4}
	_, err := mgr.StartCommit(outPath, image, []string{"A:" + aFile})
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool {
		_, err := os.Stat(outPath)
		return err == nil
	})
	got, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, image, got)

	waitFor(t, 2*time.Second, func() bool {
		_, err := os.Stat(aFile)
		return os.IsNotExist(err)
	})
}

func TestTwoParticipantsOneRefusesAborts(t *testing.T) {
	dir := t.TempDir()
	aFile := filepath.Join(dir, "a.png")
	bFile := filepath.Join(dir, "b.png")
	require.NoError(t, os.WriteFile(aFile, []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(bFile, []byte("b"), 0o644))

	mgr, _ := newCoordinator(t)
	_, _, _ = newParticipant(t, "A", true)
	_, _, _ = newParticipant(t, "B", false)

	outPath := filepath.Join(dir, "out.png")
	tid, err := mgr.StartCommit(outPath, []byte{9, 9}, []string{"A:" + aFile, "B:" + bFile})
	require.NoError(t, err)
	_ = tid

	time.Sleep(200 * time.Millisecond)
	_, err = os.Stat(outPath)
	assert.True(t, os.IsNotExist(err), "destination must not be created on abort")

	// A's file must still be on disk; abort only releases the lock.
	_, err = os.Stat(aFile)
	assert.NoError(t, err)
}

func TestParticipantFileContentionSecondVoteIsNo(t *testing.T) {
	dir := t.TempDir()
	aFile := filepath.Join(dir, "a.png")
	require.NoError(t, os.WriteFile(aFile, []byte("a"), 0o644))

	p, pDir, _ := newParticipant(t, "A", true)

	p.HandleVoteRequest(1, []byte{1}, []string{aFile})
	p.HandleVoteRequest(2, []byte{1}, []string{aFile})

	records, err := wal.ReadAll(filepath.Join(pDir, "wal.log"))
	require.NoError(t, err)
	var staged int
	for _, r := range records {
		if r.Type == wal.RecStagedCommit {
			staged++
		}
	}
	assert.Equal(t, 1, staged, "only the first overlapping transaction may stage the file")
}

func TestLostAckIsRetransmittedAndCompletes(t *testing.T) {
	dir := t.TempDir()
	aFile := filepath.Join(dir, "a.png")
	require.NoError(t, os.WriteFile(aFile, []byte("a"), 0o644))

	mgr, _ := newCoordinator(t)
	p, _, pLb := newParticipant(t, "A", true)

	// Drop the participant's first ACK so the coordinator must retransmit
	// VOTE_OUTCOME before the transaction can complete.
	h := &dropFirstAck{p: p, lb: pLb}
	pLb.SetHandler(h)

	outPath := filepath.Join(dir, "out.png")
	_, err := mgr.StartCommit(outPath, []byte{7}, []string{"A:" + aFile})
	require.NoError(t, err)

	waitFor(t, 6*time.Second, func() bool {
		_, err := os.Stat(outPath)
		return err == nil
	})
	waitFor(t, 6*time.Second, func() bool { return h.outcomes.Load() >= 2 })
}

// dropFirstAck wraps a participant's frame handler so that the ACK it sends
// for the first VOTE_OUTCOME it receives never reaches the coordinator. It
// counts every VOTE_OUTCOME delivered.
type dropFirstAck struct {
	p        *participant.Participant
	lb       *transport.Loopback
	outcomes atomic.Int32
}

func (d *dropFirstAck) HandleFrame(from string, frame []byte) {
	msgType, _, _, err := wire.Decode(frame)
	if err == nil && msgType == wire.VoteOutcome && d.outcomes.Add(1) == 1 {
		d.lb.DropTo(coordinatorAddr)
		defer d.lb.ResumeTo(coordinatorAddr)
	}
	d.p.HandleFrame(from, frame)
}
