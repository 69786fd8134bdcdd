// Package wire implements the binary chat protocol spoken over WebSocket.
//
// All integers are big-endian. Server frames start with a u16
// discriminator: zero marks a control frame (followed by a u8 opcode),
// anything else is the sender's session id of a chat message. Session ids
// are never zero, which is what makes the discriminator work.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

const (
	controlFrame uint16 = 0

	opSetup    byte = 0
	opUserJoin byte = 1

	// UserIDLen is the fixed width of the identity token in Setup frames.
	UserIDLen = 33
)

var (
	ErrShortFrame = errors.New("truncated frame")
	ErrBadFrame   = errors.New("malformed frame")
)

// Kind identifies a server frame type.
type Kind int

const (
	KindMessage Kind = iota
	KindSetup
	KindUserJoin
)

// MinuteTimestamp is the protocol clock: unix time in whole minutes.
// Fits u32 until the year 10136.
func MinuteTimestamp(t time.Time) uint32 {
	return uint32(t.Unix() / 60)
}

// Client is one roster entry in a Setup frame.
type Client struct {
	ID   uint16
	Name string
}

// HistoryEntry is one replayed message in a Setup frame.
type HistoryEntry struct {
	Timestamp uint32
	Sender    string
	Content   string
}

// Setup is the first frame of every session: the client's own session id
// and identity token, the current roster, and the replayed history
// (oldest first).
type Setup struct {
	SessionID uint16
	UserID    string // exactly UserIDLen bytes
	Clients   []Client
	History   []HistoryEntry
}

func (s *Setup) Encode() []byte {
	n := 2 + 1 + 2 + UserIDLen + 2
	for _, c := range s.Clients {
		n += 2 + 1 + len(c.Name)
	}
	for _, h := range s.History {
		n += 4 + 1 + len(h.Sender) + 1 + len(h.Content)
	}

	b := make([]byte, 0, n)
	b = binary.BigEndian.AppendUint16(b, controlFrame)
	b = append(b, opSetup)
	b = binary.BigEndian.AppendUint16(b, s.SessionID)
	b = append(b, s.UserID...)
	b = binary.BigEndian.AppendUint16(b, uint16(len(s.Clients)))
	for _, c := range s.Clients {
		b = binary.BigEndian.AppendUint16(b, c.ID)
		b = appendPrefixed(b, c.Name)
	}
	for _, h := range s.History {
		b = binary.BigEndian.AppendUint32(b, h.Timestamp)
		b = appendPrefixed(b, h.Sender)
		b = appendPrefixed(b, h.Content)
	}
	return b
}

func DecodeSetup(b []byte) (*Setup, error) {
	r := reader{b: b}

	if err := r.expectControl(opSetup); err != nil {
		return nil, err
	}

	s := &Setup{}
	var err error
	if s.SessionID, err = r.u16(); err != nil {
		return nil, err
	}
	uid, err := r.take(UserIDLen)
	if err != nil {
		return nil, err
	}
	s.UserID = string(uid)

	count, err := r.u16()
	if err != nil {
		return nil, err
	}
	s.Clients = make([]Client, 0, count)
	for i := 0; i < int(count); i++ {
		var c Client
		if c.ID, err = r.u16(); err != nil {
			return nil, err
		}
		if c.Name, err = r.prefixed(); err != nil {
			return nil, err
		}
		s.Clients = append(s.Clients, c)
	}

	for !r.empty() {
		var h HistoryEntry
		if h.Timestamp, err = r.u32(); err != nil {
			return nil, err
		}
		if h.Sender, err = r.prefixed(); err != nil {
			return nil, err
		}
		if h.Content, err = r.prefixed(); err != nil {
			return nil, err
		}
		s.History = append(s.History, h)
	}

	return s, nil
}

// UserJoin announces a new roster entry.
type UserJoin struct {
	ID   uint16
	Name string
}

func (u UserJoin) Encode() []byte {
	b := make([]byte, 0, 2+1+2+len(u.Name))
	b = binary.BigEndian.AppendUint16(b, controlFrame)
	b = append(b, opUserJoin)
	b = binary.BigEndian.AppendUint16(b, u.ID)
	return append(b, u.Name...)
}

func DecodeUserJoin(b []byte) (UserJoin, error) {
	r := reader{b: b}

	if err := r.expectControl(opUserJoin); err != nil {
		return UserJoin{}, err
	}

	var u UserJoin
	var err error
	if u.ID, err = r.u16(); err != nil {
		return UserJoin{}, err
	}
	u.Name = string(r.rest())
	return u, nil
}

// Message is one chat message fanned out to every session.
type Message struct {
	SenderID  uint16 // never zero
	Timestamp uint32 // minutes, see MinuteTimestamp
	Content   string
}

func (m Message) Encode() []byte {
	b := make([]byte, 0, 2+4+len(m.Content))
	b = binary.BigEndian.AppendUint16(b, m.SenderID)
	b = binary.BigEndian.AppendUint32(b, m.Timestamp)
	return append(b, m.Content...)
}

func DecodeMessage(b []byte) (Message, error) {
	r := reader{b: b}

	var m Message
	var err error
	if m.SenderID, err = r.u16(); err != nil {
		return Message{}, err
	}
	if m.SenderID == controlFrame {
		return Message{}, fmt.Errorf("%w: control frame", ErrBadFrame)
	}
	if m.Timestamp, err = r.u32(); err != nil {
		return Message{}, err
	}
	m.Content = string(r.rest())
	return m, nil
}

// Classify inspects a server frame's discriminator without decoding it.
func Classify(b []byte) (Kind, error) {
	if len(b) < 2 {
		return 0, ErrShortFrame
	}
	if binary.BigEndian.Uint16(b) != controlFrame {
		return KindMessage, nil
	}
	if len(b) < 3 {
		return 0, ErrShortFrame
	}
	switch b[2] {
	case opSetup:
		return KindSetup, nil
	case opUserJoin:
		return KindUserJoin, nil
	default:
		return 0, fmt.Errorf("%w: control opcode %d", ErrBadFrame, b[2])
	}
}

// appendPrefixed writes a u8 length then the bytes. The prefix is a single
// byte, so anything past 255 bytes is cut.
func appendPrefixed(b []byte, s string) []byte {
	if len(s) > 255 {
		s = s[:255]
	}
	b = append(b, byte(len(s)))
	return append(b, s...)
}

type reader struct {
	b   []byte
	off int
}

func (r *reader) empty() bool { return r.off >= len(r.b) }

func (r *reader) u8() (byte, error) {
	if r.off+1 > len(r.b) {
		return 0, ErrShortFrame
	}
	v := r.b[r.off]
	r.off++
	return v, nil
}

func (r *reader) u16() (uint16, error) {
	if r.off+2 > len(r.b) {
		return 0, ErrShortFrame
	}
	v := binary.BigEndian.Uint16(r.b[r.off:])
	r.off += 2
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if r.off+4 > len(r.b) {
		return 0, ErrShortFrame
	}
	v := binary.BigEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) take(n int) ([]byte, error) {
	if r.off+n > len(r.b) {
		return nil, ErrShortFrame
	}
	v := r.b[r.off : r.off+n]
	r.off += n
	return v, nil
}

func (r *reader) prefixed() (string, error) {
	n, err := r.u8()
	if err != nil {
		return "", err
	}
	v, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return string(v), nil
}

func (r *reader) rest() []byte {
	v := r.b[r.off:]
	r.off = len(r.b)
	return v
}

func (r *reader) expectControl(op byte) error {
	disc, err := r.u16()
	if err != nil {
		return err
	}
	if disc != controlFrame {
		return fmt.Errorf("%w: not a control frame", ErrBadFrame)
	}
	got, err := r.u8()
	if err != nil {
		return err
	}
	if got != op {
		return fmt.Errorf("%w: control opcode %d, want %d", ErrBadFrame, got, op)
	}
	return nil
}
