// Package wire implements the message codec shared by the coordinator and
// every participant (spec.md §4.1): a single binary framing where every
// body starts with a u32 message type and a u32 transaction id, followed by
// type-specific fields. String fields use a two-byte big-endian length
// prefix followed by the UTF-8 bytes, matching the layout Java's
// DataOutputStream.writeUTF produces, so a cross-language participant stays
// bit-compatible.
package wire

import (
	"encoding/binary"

	"github.com/collagecommit/collage2pc/xerrors"
)

// Message type tags, sent as the first u32 of every frame.
const (
	VoteRequest  uint32 = 0
	VoteOutcome  uint32 = 1
	VoteResponse uint32 = 2
	VoteAck      uint32 = 3
)

// headerLen is the size in bytes of the u32 type + u32 tid prefix shared by
// every message.
const headerLen = 8

// VoteRequestMsg is sent coordinator -> participant to open a transaction's
// vote: the image bytes and the subset of files this participant owns.
type VoteRequestMsg struct {
	TID   uint32
	Image []byte
	Files []string
}

// VoteOutcomeMsg is sent coordinator -> participant once a decision is
// durable: commit or abort.
type VoteOutcomeMsg struct {
	TID    uint32
	Commit bool
}

// VoteResponseMsg is sent participant -> coordinator in response to a
// VoteRequestMsg.
type VoteResponseMsg struct {
	TID  uint32
	Vote bool
}

// VoteAckMsg is sent participant -> coordinator once a decision has been
// applied locally.
type VoteAckMsg struct {
	TID           uint32
	ParticipantID string
}

func putU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func putUTF(buf []byte, s string) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(len(s)))
	buf = append(buf, tmp[:]...)
	return append(buf, s...)
}

func putBool(buf []byte, b bool) []byte {
	if b {
		return append(buf, 1)
	}
	return append(buf, 0)
}

// EncodeVoteRequest serializes a VOTE_REQUEST frame.
func EncodeVoteRequest(m VoteRequestMsg) []byte {
	buf := make([]byte, 0, headerLen+4+len(m.Image)+4)
	buf = putU32(buf, VoteRequest)
	buf = putU32(buf, m.TID)
	buf = putU32(buf, uint32(len(m.Image)))
	buf = append(buf, m.Image...)
	buf = putU32(buf, uint32(len(m.Files)))
	for _, f := range m.Files {
		buf = putUTF(buf, f)
	}
	return buf
}

// EncodeVoteOutcome serializes a VOTE_OUTCOME frame.
func EncodeVoteOutcome(m VoteOutcomeMsg) []byte {
	buf := make([]byte, 0, headerLen+1)
	buf = putU32(buf, VoteOutcome)
	buf = putU32(buf, m.TID)
	buf = putBool(buf, m.Commit)
	return buf
}

// EncodeVoteResponse serializes a VOTE_RESPONSE frame.
func EncodeVoteResponse(m VoteResponseMsg) []byte {
	buf := make([]byte, 0, headerLen+1)
	buf = putU32(buf, VoteResponse)
	buf = putU32(buf, m.TID)
	buf = putBool(buf, m.Vote)
	return buf
}

// EncodeVoteAck serializes a VOTE_ACK frame.
func EncodeVoteAck(m VoteAckMsg) []byte {
	buf := make([]byte, 0, headerLen+2+len(m.ParticipantID))
	buf = putU32(buf, VoteAck)
	buf = putU32(buf, m.TID)
	buf = putUTF(buf, m.ParticipantID)
	return buf
}

type cursor struct {
	b   []byte
	pos int
}

func (c *cursor) remaining() int { return len(c.b) - c.pos }

func (c *cursor) takeU32() (uint32, error) {
	if c.remaining() < 4 {
		return 0, xerrors.ErrMalformedFrame
	}
	v := binary.BigEndian.Uint32(c.b[c.pos : c.pos+4])
	c.pos += 4
	return v, nil
}

func (c *cursor) takeBool() (bool, error) {
	if c.remaining() < 1 {
		return false, xerrors.ErrMalformedFrame
	}
	v := c.b[c.pos] != 0
	c.pos++
	return v, nil
}

func (c *cursor) takeBytes(n int) ([]byte, error) {
	if n < 0 || c.remaining() < n {
		return nil, xerrors.ErrMalformedFrame
	}
	v := c.b[c.pos : c.pos+n]
	c.pos += n
	return v, nil
}

func (c *cursor) takeUTF() (string, error) {
	if c.remaining() < 2 {
		return "", xerrors.ErrMalformedFrame
	}
	n := binary.BigEndian.Uint16(c.b[c.pos : c.pos+2])
	c.pos += 2
	b, err := c.takeBytes(int(n))
	if err != nil {
		return "", xerrors.ErrMalformedFrame
	}
	return string(b), nil
}

// Decode parses the message type and tid from a frame without consuming the
// rest — callers dispatch on Type before decoding the type-specific body.
func Decode(b []byte) (msgType uint32, tid uint32, body []byte, err error) {
	c := &cursor{b: b}
	msgType, err = c.takeU32()
	if err != nil {
		return 0, 0, nil, xerrors.ErrMalformedFrame
	}
	tid, err = c.takeU32()
	if err != nil {
		return 0, 0, nil, xerrors.ErrMalformedFrame
	}
	return msgType, tid, b[c.pos:], nil
}

// DecodeVoteRequest parses the body of a VOTE_REQUEST frame (everything
// after the shared u32/u32 header, as returned by Decode).
func DecodeVoteRequest(tid uint32, body []byte) (VoteRequestMsg, error) {
	c := &cursor{b: body}
	imgLen, err := c.takeU32()
	if err != nil {
		return VoteRequestMsg{}, xerrors.ErrMalformedFrame
	}
	img, err := c.takeBytes(int(imgLen))
	if err != nil {
		return VoteRequestMsg{}, xerrors.ErrMalformedFrame
	}
	nFiles, err := c.takeU32()
	if err != nil {
		return VoteRequestMsg{}, xerrors.ErrMalformedFrame
	}
	files := make([]string, 0, nFiles)
	for i := uint32(0); i < nFiles; i++ {
		f, err := c.takeUTF()
		if err != nil {
			return VoteRequestMsg{}, xerrors.ErrMalformedFrame
		}
		files = append(files, f)
	}
	imgCopy := make([]byte, len(img))
	copy(imgCopy, img)
	return VoteRequestMsg{TID: tid, Image: imgCopy, Files: files}, nil
}

// DecodeVoteOutcome parses the body of a VOTE_OUTCOME frame.
func DecodeVoteOutcome(tid uint32, body []byte) (VoteOutcomeMsg, error) {
	c := &cursor{b: body}
	commit, err := c.takeBool()
	if err != nil {
		return VoteOutcomeMsg{}, xerrors.ErrMalformedFrame
	}
	return VoteOutcomeMsg{TID: tid, Commit: commit}, nil
}

// DecodeVoteResponse parses the body of a VOTE_RESPONSE frame.
func DecodeVoteResponse(tid uint32, body []byte) (VoteResponseMsg, error) {
	c := &cursor{b: body}
	vote, err := c.takeBool()
	if err != nil {
		return VoteResponseMsg{}, xerrors.ErrMalformedFrame
	}
	return VoteResponseMsg{TID: tid, Vote: vote}, nil
}

// DecodeVoteAck parses the body of a VOTE_ACK frame.
func DecodeVoteAck(tid uint32, body []byte) (VoteAckMsg, error) {
	c := &cursor{b: body}
	id, err := c.takeUTF()
	if err != nil {
		return VoteAckMsg{}, xerrors.ErrMalformedFrame
	}
	return VoteAckMsg{TID: tid, ParticipantID: id}, nil
}
