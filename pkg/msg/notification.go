package msg

import (
	"github.com/szmyd/graft/pkg/codec"
)

// notificationVersion leads every encoded sub-message so readers can skip
// tails added by newer writers.
const notificationVersion = 0x0

// NotificationType tags the sub-message inside a custom notification.
type NotificationType uint8

const (
	NotifyOutOfLogRangeWarning NotificationType = iota
	NotifyLeadershipTakeover
	NotifyRequestResignation
)

func (t NotificationType) String() string {
	switch t {
	case NotifyOutOfLogRangeWarning:
		return "out_of_log_range_warning"
	case NotifyLeadershipTakeover:
		return "leadership_takeover"
	case NotifyRequestResignation:
		return "request_resignation"
	default:
		return "unknown"
	}
}

// CustomNotification is the side-band envelope carried in a
// custom_notification request's single log entry.
type CustomNotification struct {
	Type NotificationType
	Ctx  []byte
}

// Encode layout: version (1), type (1), ctx length (4), ctx.
func (n *CustomNotification) Encode() []byte {
	w := codec.NewWriter()
	w.PutU8(notificationVersion)
	w.PutU8(uint8(n.Type))
	w.PutBytes(n.Ctx)
	return w.Bytes()
}

func DecodeCustomNotification(b []byte) (*CustomNotification, error) {
	r := codec.NewReader(b)
	_ = r.U8() // version, unknown tails are ignored
	n := &CustomNotification{}
	n.Type = NotificationType(r.U8())
	n.Ctx = r.Bytes()
	if err := r.Err(); err != nil {
		return nil, err
	}
	return n, nil
}

// OutOfLogMsg tells a follower that its log ends before the leader's start
// index, so normal replication cannot proceed.
type OutOfLogMsg struct {
	StartIdxOfLeader uint64
}

func (m *OutOfLogMsg) Encode() []byte {
	w := codec.NewWriter()
	w.PutU8(notificationVersion)
	w.PutU64(m.StartIdxOfLeader)
	return w.Bytes()
}

func DecodeOutOfLogMsg(b []byte) (*OutOfLogMsg, error) {
	r := codec.NewReader(b)
	_ = r.U8()
	m := &OutOfLogMsg{}
	m.StartIdxOfLeader = r.U64()
	if err := r.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

// ForceVoteMsg asks the receiver to start an immediate election, ignoring
// priority gating. It currently carries no fields beyond the version.
type ForceVoteMsg struct{}

func (m *ForceVoteMsg) Encode() []byte {
	w := codec.NewWriter()
	w.PutU8(notificationVersion)
	return w.Bytes()
}

func DecodeForceVoteMsg(b []byte) (*ForceVoteMsg, error) {
	r := codec.NewReader(b)
	_ = r.U8()
	if err := r.Err(); err != nil {
		return nil, err
	}
	return &ForceVoteMsg{}, nil
}
