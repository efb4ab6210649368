package raft

import (
	"time"

	"go.uber.org/zap"

	"github.com/szmyd/graft/pkg/codec"
	"github.com/szmyd/graft/pkg/msg"
)

// AddSrv asks the cluster to admit a new server. The new server is caught
// up as a learner first, admitted by one config entry and then promoted by a
// second; the returned Result resolves once the promotion commits (once the
// admission commits, for a server added as a learner), or with CANCELLED if
// catch-up times out.
func (s *Server) AddSrv(srv *msg.SrvConfig) *Result {
	if srv == nil || srv.ID <= 0 || srv.Endpoint == "" {
		return completedResult(ResultBadRequest, nil)
	}
	req := msg.NewRequest(msg.TypeAddServerRequest, 0, s.id, 0)
	req.Entries = []*msg.LogEntry{
		msg.NewLogEntry(0, msg.ValueClusterServer, srv.Encode()),
	}
	return s.sendToLeader(req)
}

// RemoveSrv asks the cluster to drop a member.
func (s *Server) RemoveSrv(srvID int32) *Result {
	w := codec.NewWriter()
	w.PutI32(srvID)
	req := msg.NewRequest(msg.TypeRemoveServerRequest, 0, s.id, 0)
	req.Entries = []*msg.LogEntry{
		msg.NewLogEntry(0, msg.ValueClusterServer, w.Bytes()),
	}
	return s.sendToLeader(req)
}

// sendToLeader processes a client-originated request locally when this
// server leads, forwards it when auto-forwarding is on, and rejects it
// otherwise.
func (s *Server) sendToLeader(req *msg.Request) *Result {
	if s.isStopped() {
		return completedResult(ResultCancelled, nil)
	}
	s.mu.Lock()
	isLeader := s.role == RoleLeader
	leader := s.leaderID
	s.mu.Unlock()

	if isLeader {
		resp, err := s.ProcessReq(req)
		if err != nil {
			return completedResult(ResultFailed, nil)
		}
		return s.resultFromMembershipResp(resp)
	}
	if !s.params.AutoForwarding || leader == NoLeader {
		return completedResult(ResultNotLeader, nil)
	}
	return s.fwd.forwardReq(leader, req)
}

// resultFromMembershipResp converts a membership response into a client
// result, attaching the pending future when the change was accepted.
func (s *Server) resultFromMembershipResp(resp *msg.Response) *Result {
	if !resp.Accepted {
		code := ResultCode(resp.Result)
		if code == ResultOK {
			code = ResultFailed
		}
		return completedResult(code, nil)
	}
	s.mu.Lock()
	res := s.membershipResult
	s.mu.Unlock()
	if res == nil {
		return completedResult(ResultOK, nil)
	}
	return res
}

// ---- leader handlers ----

func (s *Server) handleAddServerReq(req *msg.Request) *msg.Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp := s.newResponseLocked(msg.TypeAddServerResponse, req.Src)
	if s.role != RoleLeader {
		resp.Result = int32(ResultNotLeader)
		return resp
	}
	if s.configChanging || s.srvToJoin != nil {
		resp.Result = int32(ResultConfigChanging)
		return resp
	}
	if len(req.Entries) == 0 || req.Entries[0].Type != msg.ValueClusterServer {
		resp.Result = int32(ResultBadRequest)
		return resp
	}
	srv, err := msg.DecodeSrvConfig(req.Entries[0].Data)
	if err != nil || srv.ID <= 0 {
		resp.Result = int32(ResultBadRequest)
		return resp
	}
	if s.config.Server(srv.ID) != nil || srv.ID == s.id {
		resp.Result = int32(ResultServerAlreadyExists)
		return resp
	}

	client, err := s.factory.CreateClient(srv.Endpoint)
	if err != nil {
		s.logger.Warnw("cannot reach joining server",
			"id", s.id, "srv", srv.ID, "endpoint", srv.Endpoint, zap.Error(err))
		resp.Result = int32(ResultFailed)
		return resp
	}

	p := newPeer(srv, client, s.store.StartIndex())
	s.srvToJoin = p
	s.configChanging = true
	s.joinDeadline = time.Now().Add(s.params.NewServerCatchUpTimeout)
	s.membershipResult = newResult()
	s.logger.Infow("admitting new server as learner",
		"id", s.id, "srv", srv.ID, "endpoint", srv.Endpoint)

	go s.inviteJoiningServer(p)

	resp.Accept(s.store.NextSlot())
	return resp
}

// inviteJoiningServer sends join_cluster with the current config, then
// drives log catch-up through the pack side-channel.
func (s *Server) inviteJoiningServer(p *peer) {
	s.mu.Lock()
	if s.stopped || s.role != RoleLeader || s.srvToJoin != p {
		s.mu.Unlock()
		return
	}
	req := msg.NewRequest(msg.TypeJoinClusterRequest, s.state.Term, s.id, p.ID())
	req.CommitIdx = s.commitIdx
	req.Entries = []*msg.LogEntry{
		msg.NewLogEntry(s.state.Term, msg.ValueConfig, s.config.Encode()),
	}
	client := p.client
	timeout := s.params.ClientReqTimeout
	s.mu.Unlock()

	client.Send(req, timeout, func(resp *msg.Response, err error) {
		if err != nil || resp == nil || !resp.Accepted {
			s.mu.Lock()
			abort := s.srvToJoin == p && time.Now().After(s.joinDeadline)
			if abort {
				s.abortMembershipLocked(ResultCancelled)
			}
			retry := s.srvToJoin == p && !abort && !s.stopped
			s.mu.Unlock()
			if retry {
				s.sched.Schedule(func() { s.inviteJoiningServer(p) }, s.params.RPCFailureBackoff)
			}
			return
		}
		// Sync from our own start index regardless of what the joining
		// server reports: its solo history (if any) is overwritten.
		s.syncLogToJoining(p)
	})
}

// syncLogToJoining ships one pack of entries to the catching-up server and
// chains itself until the gap closes or the deadline passes.
func (s *Server) syncLogToJoining(p *peer) {
	s.mu.Lock()
	if s.stopped || s.role != RoleLeader || s.srvToJoin != p {
		s.mu.Unlock()
		return
	}
	if time.Now().After(s.joinDeadline) {
		s.abortMembershipLocked(ResultCancelled)
		s.mu.Unlock()
		return
	}

	next, _ := p.indexes()
	if next < s.store.StartIndex() {
		// Catch-up starts behind the compacted range: snapshot first.
		s.mu.Unlock()
		if p.tryAcquire() {
			s.sendSnapshotChunk(p)
		}
		s.sched.Schedule(func() { s.syncLogToJoining(p) }, s.params.HeartbeatInterval)
		return
	}

	lastIdx := s.store.NextSlot() - 1
	gap := uint64(0)
	if lastIdx >= next {
		gap = lastIdx - next + 1
	}
	if gap <= s.params.LogSyncStopGap {
		s.finalizeJoinLocked(p)
		s.mu.Unlock()
		return
	}

	cnt := int32(s.params.MaxAppendSize)
	if uint64(cnt) > gap {
		cnt = int32(gap)
	}
	pack, err := s.store.Pack(next, cnt)
	if err != nil {
		s.mu.Unlock()
		s.logger.Warnw("failed to pack entries for new server",
			"id", s.id, "srv", p.ID(), zap.Error(err))
		s.sched.Schedule(func() { s.syncLogToJoining(p) }, s.params.RPCFailureBackoff)
		return
	}

	req := msg.NewRequest(msg.TypeSyncLogRequest, s.state.Term, s.id, p.ID())
	req.LastLogIdx = next
	req.Entries = []*msg.LogEntry{
		msg.NewLogEntry(s.state.Term, msg.ValuePack, pack),
	}
	client := p.client
	timeout := s.params.ClientReqTimeout
	sentThrough := next + uint64(cnt)
	s.mu.Unlock()

	client.Send(req, timeout, func(resp *msg.Response, err error) {
		if err != nil || resp == nil || !resp.Accepted {
			s.sched.Schedule(func() { s.syncLogToJoining(p) }, s.params.RPCFailureBackoff)
			return
		}
		p.setMatched(sentThrough - 1)
		s.syncLogToJoining(p)
	})
}

// finalizeJoinLocked admits the caught-up server to the configuration as a
// learner. Unless the caller asked for a permanent learner, a promotion
// entry chases the admission once it commits.
func (s *Server) finalizeJoinLocked(p *peer) {
	srv := p.config.Clone()
	wantVoter := !srv.Learner
	srv.Learner = true

	newConf := s.config.Clone()
	newConf.PrevLogIdx = s.config.LogIdx
	newConf.LogIdx = s.store.NextSlot()
	newConf.Servers = append(newConf.Servers, srv)

	s.srvToJoin = nil
	s.peers[srv.ID] = p
	if wantVoter {
		s.pendingPromotion = srv.ID
	}
	s.appendConfigLocked(newConf)
	s.armPeerHeartbeatLocked(p)
	s.logger.Infow("new server caught up, admitting",
		"id", s.id, "srv", srv.ID, "voter_pending", wantVoter)

	go s.replicateAll()
}

func (s *Server) handleRemoveServerReq(req *msg.Request) *msg.Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp := s.newResponseLocked(msg.TypeRemoveServerResponse, req.Src)
	if s.role != RoleLeader {
		resp.Result = int32(ResultNotLeader)
		return resp
	}
	if s.configChanging || s.srvToJoin != nil {
		resp.Result = int32(ResultConfigChanging)
		return resp
	}
	if len(req.Entries) == 0 {
		resp.Result = int32(ResultBadRequest)
		return resp
	}
	r := codec.NewReader(req.Entries[0].Data)
	srvID := r.I32()
	if r.Err() != nil {
		resp.Result = int32(ResultBadRequest)
		return resp
	}
	if s.config.Server(srvID) == nil {
		resp.Result = int32(ResultServerNotFound)
		return resp
	}
	if srvID == s.id {
		// Removing the leader: hand leadership off first; the new leader
		// performs the removal when the client retries there.
		s.logger.Infow("asked to remove self, yielding leadership first", "id", s.id)
		go s.YieldLeadership(false, NoLeader)
		resp.Result = int32(ResultNotLeader)
		return resp
	}

	newConf := s.config.Clone()
	newConf.PrevLogIdx = s.config.LogIdx
	newConf.LogIdx = s.store.NextSlot()
	kept := newConf.Servers[:0]
	for _, sv := range newConf.Servers {
		if sv.ID != srvID {
			kept = append(kept, sv)
		}
	}
	newConf.Servers = kept

	s.configChanging = true
	s.membershipResult = newResult()
	s.removingSrvID = srvID
	s.appendConfigLocked(newConf)
	s.logger.Infow("removing server", "id", s.id, "srv", srvID)

	go s.replicateAll()

	resp.Accept(s.store.NextSlot())
	return resp
}

// appendConfigLocked appends a config entry, installs it as the latest
// (uncommitted) configuration and records the index the pending membership
// future resolves at.
func (s *Server) appendConfigLocked(conf *msg.ClusterConfig) {
	entry := msg.NewLogEntry(s.state.Term, msg.ValueConfig, conf.Encode())
	idx, err := s.store.Append(entry)
	if err != nil {
		s.logger.Errorw("failed to append config entry", "id", s.id, zap.Error(err))
		s.mgr.SystemExit(1)
		return
	}
	conf.LogIdx = idx
	s.membershipIdx = idx
	s.flushLogLocked()
	s.installConfigLocked(conf, false)
	s.checkCommitLocked()
}

// installConfigLocked adopts conf as the active configuration when newer.
// On the leader the peer table is reconciled with the new membership.
func (s *Server) installConfigLocked(conf *msg.ClusterConfig, committed bool) {
	if conf.LogIdx < s.config.LogIdx {
		return
	}
	s.config = conf

	existing := make(map[int32]bool, len(s.peers))
	for id := range s.peers {
		existing[id] = true
	}
	s.ensurePeersLocked()
	for _, sv := range conf.Servers {
		p, ok := s.peers[sv.ID]
		if !ok {
			continue
		}
		p.mu.Lock()
		p.config = sv.Clone()
		p.mu.Unlock()
		if s.role == RoleLeader && !existing[sv.ID] {
			s.armPeerHeartbeatLocked(p)
		}
	}
	// Removed members keep their peer record until the removal commits,
	// so they still learn the config that drops them.
	if committed {
		wasLeader := s.role == RoleLeader
		for id, p := range s.peers {
			if conf.Server(id) == nil {
				delete(s.peers, id)
				go s.notifyAndTeardownRemoved(p, wasLeader)
			}
		}
	}

	if committed && conf.Server(s.id) != nil {
		s.catchingUp = false
	}
	if committed && conf.Server(s.id) == nil && s.removingSrvID != s.id {
		// We are no longer a member; stop competing for leadership.
		s.logger.Infow("removed from cluster", "id", s.id)
		s.state.ElectionTimerAllowed = false
		s.persistStateLocked()
		s.cancelElectionTimerLocked()
		if s.role != RoleFollower {
			s.becomeFollowerLocked(NoLeader)
		}
	}
}

// notifyAndTeardownRemoved tells a removed server to leave (leader only),
// then releases its peer record once the message (or its failure) resolves.
func (s *Server) notifyAndTeardownRemoved(p *peer, notify bool) {
	if !notify {
		s.teardownPeer(p)
		return
	}
	s.mu.Lock()
	req := msg.NewRequest(msg.TypeLeaveClusterRequest, s.state.Term, s.id, p.ID())
	// Carry the final configuration: commit may have outrun replication
	// to the leaving member.
	req.Entries = []*msg.LogEntry{
		msg.NewLogEntry(s.state.Term, msg.ValueConfig, s.config.Encode()),
	}
	timeout := s.params.ClientReqTimeout
	s.mu.Unlock()

	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client == nil {
		s.teardownPeer(p)
		return
	}
	client.Send(req, timeout, func(resp *msg.Response, err error) {
		if err != nil {
			s.logger.Debugw("leave notice undeliverable", "id", s.id, "peer", p.ID(), zap.Error(err))
		}
		s.teardownPeer(p)
	})
}

// applyConfigEntry runs when a config entry commits (called off the applier
// loop without the server lock).
func (s *Server) applyConfigEntry(idx uint64, entry *msg.LogEntry) {
	conf, err := msg.DecodeClusterConfig(entry.Data)
	if err != nil {
		s.logger.Errorw("committed config entry undecodable", "id", s.id, "index", idx, zap.Error(err))
		return
	}
	conf.LogIdx = idx

	if err := s.mgr.SaveConfig(conf); err != nil {
		s.logger.Errorw("failed to persist committed config", "id", s.id, zap.Error(err))
		s.mgr.SystemExit(1)
		return
	}
	s.sm.CommitConfig(idx, conf.Clone())

	s.mu.Lock()
	s.installConfigLocked(conf, true)

	var res *Result
	promote := int32(0)
	if s.role == RoleLeader && s.membershipIdx == idx && s.configChanging {
		if s.pendingPromotion != 0 {
			promote = s.pendingPromotion
			s.pendingPromotion = 0
		} else {
			res = s.membershipResult
			s.membershipResult = nil
			s.configChanging = false
			s.removingSrvID = NoLeader
		}
	}
	if promote != 0 {
		if sv := s.config.Server(promote); sv != nil {
			promoted := s.config.Clone()
			promoted.PrevLogIdx = s.config.LogIdx
			promoted.LogIdx = s.store.NextSlot()
			promoted.Server(promote).Learner = false
			s.appendConfigLocked(promoted)
			s.logger.Infow("promoting learner to voter", "id", s.id, "srv", promote)
		} else {
			res = s.membershipResult
			s.membershipResult = nil
			s.configChanging = false
		}
	}
	s.mu.Unlock()

	if promote != 0 {
		s.replicateAll()
	}
	if res != nil {
		res.complete(ResultOK, nil, nil)
	}
	s.fireCallback(CbConfigChange, conf.Clone())
}

// abortMembershipLocked cancels the in-flight change and its future.
func (s *Server) abortMembershipLocked(code ResultCode) {
	if !s.configChanging && s.srvToJoin == nil {
		return
	}
	if s.srvToJoin != nil {
		p := s.srvToJoin
		s.srvToJoin = nil
		go s.teardownPeer(p)
	}
	if s.membershipResult != nil {
		res := s.membershipResult
		s.membershipResult = nil
		go res.complete(code, nil, nil)
	}
	s.configChanging = false
	s.pendingPromotion = 0
	s.removingSrvID = NoLeader
}

// checkCatchUpLocked notices a catching-up server crossing the stop gap.
// (Peers admitted as learners continue through normal replication.)
func (s *Server) checkCatchUpLocked(p *peer) {
	if s.srvToJoin != p {
		return
	}
	_, matched := p.indexes()
	lastIdx := s.store.NextSlot() - 1
	if lastIdx >= matched && lastIdx-matched <= s.params.LogSyncStopGap {
		s.finalizeJoinLocked(p)
	}
}

// ---- joining / leaving server side ----

func (s *Server) handleJoinClusterReq(req *msg.Request) *msg.Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp := s.newResponseLocked(msg.TypeJoinClusterResponse, req.Src)
	if len(req.Entries) == 0 || req.Entries[0].Type != msg.ValueConfig {
		return resp
	}
	conf, err := msg.DecodeClusterConfig(req.Entries[0].Data)
	if err != nil {
		s.logger.Warnw("join_cluster with undecodable config", "id", s.id, zap.Error(err))
		return resp
	}

	// A fresh server may have been leading its own single-node group;
	// joining discards that and adopts the inviting leader's view.
	if req.Term > s.state.Term {
		s.state.Term = req.Term
		s.state.VotedFor = NoVote
		s.persistStateLocked()
	}
	if s.role != RoleFollower {
		s.becomeFollowerLocked(req.Src)
	}
	s.leaderID = req.Src
	s.lastLeaderContact = time.Now()
	s.catchingUp = true
	s.config = conf
	s.restartElectionTimerLocked()
	s.logger.Infow("joining cluster", "id", s.id, "leader", req.Src, "config_log_idx", conf.LogIdx)

	resp.Accept(s.store.NextSlot())
	return resp
}

func (s *Server) handleLeaveClusterReq(req *msg.Request) *msg.Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp := s.newResponseLocked(msg.TypeLeaveClusterResponse, req.Src)
	s.logger.Infow("leaving cluster on leader's request", "id", s.id, "leader", req.Src)
	if len(req.Entries) > 0 && req.Entries[0].Type == msg.ValueConfig {
		if conf, err := msg.DecodeClusterConfig(req.Entries[0].Data); err == nil {
			s.config = conf
		}
	}
	s.state.ElectionTimerAllowed = false
	s.persistStateLocked()
	s.cancelElectionTimerLocked()
	if s.role != RoleFollower {
		s.becomeFollowerLocked(NoLeader)
	}
	resp.Accept(s.store.NextSlot())
	return resp
}

func (s *Server) handleSyncLogReq(req *msg.Request) *msg.Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp := s.newResponseLocked(msg.TypeSyncLogResponse, req.Src)
	if len(req.Entries) == 0 || req.Entries[0].Type != msg.ValuePack {
		return resp
	}
	if err := s.store.ApplyPack(req.LastLogIdx, req.Entries[0].Data); err != nil {
		s.logger.Warnw("failed to apply log pack",
			"id", s.id, "start_idx", req.LastLogIdx, zap.Error(err))
		return resp
	}
	s.lastLeaderContact = time.Now()
	s.restartElectionTimerLocked()
	resp.Accept(s.store.NextSlot())
	return resp
}

// ---- leadership transfer ----

// YieldLeadership pauses new writes, waits for the target to be fully
// caught up, sends it a takeover notice, and resumes if no new leader
// emerges within one election timeout. successor NoLeader picks the
// best-priority up-to-date peer.
func (s *Server) YieldLeadership(immediate bool, successor int32) {
	s.mu.Lock()
	if s.role != RoleLeader || s.stopped {
		s.mu.Unlock()
		return
	}
	s.writesPaused = true
	deadline := time.Now().Add(s.params.ElectionTimeoutMax)
	s.mu.Unlock()

	s.yieldAttempt(immediate, successor, deadline)
}

func (s *Server) yieldAttempt(immediate bool, successor int32, deadline time.Time) {
	s.mu.Lock()
	if s.role != RoleLeader || s.stopped {
		s.writesPaused = false
		s.mu.Unlock()
		return
	}

	lastIdx := s.store.NextSlot() - 1
	target := s.pickSuccessorLocked(successor, lastIdx, immediate)
	if target == nil {
		if time.Now().After(deadline) {
			s.logger.Infow("no candidate caught up in time, resuming", "id", s.id)
			s.writesPaused = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		s.replicateAll()
		s.sched.Schedule(func() { s.yieldAttempt(immediate, successor, deadline) },
			s.params.HeartbeatInterval)
		return
	}

	s.logger.Infow("yielding leadership", "id", s.id, "successor", target.ID())
	s.sendCustomNotificationLocked(target, msg.NotifyLeadershipTakeover, (&msg.ForceVoteMsg{}).Encode())

	// If the takeover stalls, resume accepting writes.
	s.resumeTask = s.sched.Schedule(func() {
		s.mu.Lock()
		if s.role == RoleLeader {
			s.logger.Infow("takeover did not complete, resuming", "id", s.id)
			s.writesPaused = false
		}
		s.mu.Unlock()
	}, s.params.ElectionTimeoutMax)
	s.mu.Unlock()
}

// pickSuccessorLocked returns the requested successor once caught up, or
// the best-priority fully replicated voter.
func (s *Server) pickSuccessorLocked(successor int32, lastIdx uint64, immediate bool) *peer {
	if successor != NoLeader {
		if p, ok := s.peers[successor]; ok {
			_, matched := p.indexes()
			if matched == lastIdx || immediate {
				return p
			}
		}
		return nil
	}
	var best *peer
	var bestPriority int32 = -1
	for _, p := range s.peers {
		p.mu.Lock()
		cfg := p.config
		matched := p.matchedIdx
		p.mu.Unlock()
		if cfg.Learner || cfg.Priority == 0 {
			continue
		}
		if matched != lastIdx && !immediate {
			continue
		}
		if cfg.Priority > bestPriority {
			bestPriority = cfg.Priority
			best = p
		}
	}
	return best
}

// RequestResignation asks the current leader to yield. Callable from any
// follower.
func (s *Server) RequestResignation() {
	s.mu.Lock()
	if s.role == RoleLeader {
		s.mu.Unlock()
		return
	}
	leader := s.leaderID
	p, ok := s.peers[leader]
	if !ok {
		// No peer record for the leader (it is not in our configuration);
		// reach it directly.
		if sv := s.config.Server(leader); sv != nil {
			if client, err := s.factory.CreateClient(sv.Endpoint); err == nil {
				req := s.buildNotificationLocked(leader, msg.NotifyRequestResignation, nil)
				timeout := s.params.ClientReqTimeout
				s.mu.Unlock()
				client.Send(req, timeout, func(resp *msg.Response, err error) {
					_ = client.Close()
				})
				return
			}
		}
		s.mu.Unlock()
		return
	}
	s.sendCustomNotificationLocked(p, msg.NotifyRequestResignation, nil)
	s.mu.Unlock()
}
