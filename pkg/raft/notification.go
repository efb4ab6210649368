package raft

import (
	"go.uber.org/zap"

	"github.com/szmyd/graft/pkg/msg"
)

// buildNotificationLocked wraps a typed sub-message into a
// custom_notification request.
func (s *Server) buildNotificationLocked(dst int32, t msg.NotificationType, ctx []byte) *msg.Request {
	n := &msg.CustomNotification{Type: t, Ctx: ctx}
	req := msg.NewRequest(msg.TypeCustomNotificationRequest, s.state.Term, s.id, dst)
	req.Entries = []*msg.LogEntry{
		msg.NewLogEntry(s.state.Term, msg.ValueCustom, n.Encode()),
	}
	return req
}

// sendCustomNotificationLocked fires a side-band message at a peer. The
// response updates the peer's expected next index, mirroring a heartbeat.
func (s *Server) sendCustomNotificationLocked(p *peer, t msg.NotificationType, ctx []byte) {
	req := s.buildNotificationLocked(p.ID(), t, ctx)
	timeout := s.params.ClientReqTimeout
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client == nil {
		return
	}
	go client.Send(req, timeout, func(resp *msg.Response, err error) {
		if err != nil || resp == nil {
			s.logger.Debugw("custom notification undelivered",
				"id", s.id, "peer", p.ID(), "type", t.String(), zap.Error(err))
			return
		}
		if resp.Accepted && resp.NextIdx > 0 {
			p.setNextIdx(resp.NextIdx)
		}
	})
}

// sendOutOfLogWarningLocked tells a lagging peer its log precedes our
// retained range, so it can surface the condition to its application.
func (s *Server) sendOutOfLogWarningLocked(p *peer, startIdx uint64) {
	m := &msg.OutOfLogMsg{StartIdxOfLeader: startIdx}
	s.sendCustomNotificationLocked(p, msg.NotifyOutOfLogRangeWarning, m.Encode())
}

func (s *Server) handleCustomNotificationReq(req *msg.Request) *msg.Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp := s.newResponseLocked(msg.TypeCustomNotificationResponse, req.Src)
	resp.Accept(s.store.NextSlot())

	if len(req.Entries) == 0 {
		return resp
	}
	n, err := msg.DecodeCustomNotification(req.Entries[0].Data)
	if err != nil {
		s.logger.Warnw("undecodable custom notification", "id", s.id, zap.Error(err))
		return resp
	}

	switch n.Type {
	case msg.NotifyOutOfLogRangeWarning:
		s.handleOutOfLogMsgLocked(req, n)
	case msg.NotifyLeadershipTakeover:
		s.handleLeadershipTakeoverLocked(req)
	case msg.NotifyRequestResignation:
		s.handleResignationRequestLocked(req)
	default:
		s.logger.Debugw("unknown notification type", "id", s.id, "type", uint8(n.Type))
	}
	return resp
}

// handleOutOfLogMsgLocked treats the warning as a special heartbeat: it
// carries the leader's term, resets the election timer, and surfaces the
// condition through the user callback.
func (s *Server) handleOutOfLogMsgLocked(req *msg.Request, n *msg.CustomNotification) {
	s.updateTermLocked(req.Term)

	m, err := msg.DecodeOutOfLogMsg(n.Ctx)
	if err != nil {
		s.logger.Warnw("undecodable out-of-log message", "id", s.id, zap.Error(err))
		return
	}

	s.outOfLogRange = true
	s.logger.Warnw("log is out of the leader's retained range",
		"id", s.id, "leader_start_idx", m.StartIdxOfLeader,
		"my_last_idx", s.store.NextSlot()-1)

	if req.Term == s.state.Term && s.role == RoleFollower {
		s.restartElectionTimerLocked()
	}
	s.fireCallbackAsync(CbOutOfLogRangeWarning, &OutOfLogRangeArgs{
		StartIdxOfLeader: m.StartIdxOfLeader,
	})
}

// handleLeadershipTakeoverLocked starts an immediate forced election.
func (s *Server) handleLeadershipTakeoverLocked(req *msg.Request) {
	if s.role == RoleLeader {
		s.logger.Warnw("takeover request received while already leader",
			"id", s.id, "src", req.Src)
		return
	}
	s.logger.Infow("leadership takeover requested", "id", s.id, "src", req.Src)
	s.initiateVoteLocked(true)
	if s.role != RoleLeader {
		s.restartElectionTimerLocked()
	}
}

// handleResignationRequestLocked yields leadership toward the requester.
func (s *Server) handleResignationRequestLocked(req *msg.Request) {
	if s.role != RoleLeader {
		s.logger.Warnw("resignation request received by non-leader",
			"id", s.id, "src", req.Src)
		return
	}
	s.logger.Infow("resignation requested", "id", s.id, "src", req.Src)
	go s.YieldLeadership(false, req.Src)
}
