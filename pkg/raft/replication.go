package raft

import (
	"time"

	"go.uber.org/zap"

	"github.com/szmyd/graft/pkg/msg"
)

// ---- client write path ----

// AppendEntries replicates the given payloads as app_log entries. On the
// leader the returned Result resolves with the state machine's output for
// the final payload once it commits. On a non-leader the request is either
// forwarded to the leader (when auto-forwarding is on) or rejected with
// NOT_LEADER. In Blocking mode the call itself waits for the outcome.
func (s *Server) AppendEntries(data [][]byte) *Result {
	if len(data) == 0 {
		return completedResult(ResultBadRequest, nil)
	}
	if s.isStopped() {
		return completedResult(ResultCancelled, nil)
	}

	s.mu.Lock()
	isLeader := s.role == RoleLeader
	leader := s.leaderID
	s.mu.Unlock()

	var res *Result
	if isLeader {
		res = s.appendLocal(data)
	} else {
		if !s.params.AutoForwarding || leader == NoLeader {
			return completedResult(ResultNotLeader, nil)
		}
		res = s.fwd.forward(leader, data)
	}

	if s.params.ReturnMethod == Blocking {
		if _, err := res.Await(s.params.ClientReqTimeout); err == ErrTimeout {
			res.complete(ResultTimeout, nil, nil)
		}
	}
	return res
}

// appendLocal runs the leader-side append: pre-commit, log append, then a
// replication kick. The result resolves when the batch's last entry commits.
func (s *Server) appendLocal(data [][]byte) *Result {
	s.mu.Lock()
	if s.role != RoleLeader {
		s.mu.Unlock()
		return completedResult(ResultNotLeader, nil)
	}
	if s.writesPaused {
		s.mu.Unlock()
		return completedResult(ResultCancelled, nil)
	}

	term := s.state.Term
	firstIdx := s.store.NextSlot()
	for i, payload := range data {
		idx := firstIdx + uint64(i)
		if _, err := s.sm.PreCommit(idx, payload); err != nil {
			for j := 0; j < i; j++ {
				s.sm.Rollback(firstIdx+uint64(j), data[j])
			}
			s.mu.Unlock()
			s.logger.Debugw("pre-commit rejected request",
				"id", s.id, "index", idx, zap.Error(err))
			return completedResult(ResultBadRequest, nil)
		}
	}

	var lastIdx uint64
	for _, payload := range data {
		idx, err := s.store.Append(msg.NewLogEntry(term, msg.ValueAppLog, payload))
		if err != nil {
			s.mu.Unlock()
			s.logger.Errorw("log append failed", "id", s.id, zap.Error(err))
			s.mgr.SystemExit(1)
			return completedResult(ResultFailed, nil)
		}
		lastIdx = idx
	}
	s.store.EndOfAppendBatch(firstIdx, uint64(len(data)))

	res := newResult()
	s.pending[lastIdx] = res
	s.flushLogLocked()
	s.checkCommitLocked()
	s.mu.Unlock()

	s.replicateAll()
	return res
}

// replicateAll nudges every peer pipeline.
func (s *Server) replicateAll() {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	if s.role == RoleLeader {
		// The catching-up server (if any) stays on the sync-log channel
		// until it is admitted.
		for _, p := range s.peers {
			peers = append(peers, p)
		}
	}
	s.mu.Unlock()
	for _, p := range peers {
		s.requestAppend(p)
	}
}

// handleClientReq serves client_request messages arriving over the wire,
// either from auto-forwarding peers or from thin clients.
func (s *Server) handleClientReq(req *msg.Request) *msg.Response {
	s.mu.Lock()
	resp := s.newResponseLocked(msg.TypeClientResponse, req.Src)
	if s.role != RoleLeader {
		resp.Result = int32(ResultNotLeader)
		s.mu.Unlock()
		return resp
	}
	s.mu.Unlock()

	data := make([][]byte, 0, len(req.Entries))
	for _, e := range req.Entries {
		if e.Type == msg.ValueAppLog {
			data = append(data, e.Data)
		}
	}
	if len(data) == 0 {
		resp.Result = int32(ResultBadRequest)
		return resp
	}

	res := s.appendLocal(data)
	if s.params.ReturnMethod == Blocking {
		payload, err := res.Await(s.params.ClientReqTimeout)
		if err != nil {
			resp.Result = int32(res.Code())
			if res.Code() == ResultOK {
				resp.Result = int32(ResultTimeout)
			}
			return resp
		}
		resp.Accept(s.store.NextSlot())
		resp.Ctx = payload
		return resp
	}

	// Async mode acknowledges acceptance; commit outcome travels through
	// the leader's own completion machinery.
	if res.Code() == ResultOK || res.Err() == nil {
		resp.Accept(s.store.NextSlot())
	} else {
		resp.Result = int32(res.Code())
	}
	return resp
}

// ---- leader-side heartbeats and appends ----

func (s *Server) startPeerHeartbeatsLocked() {
	for _, p := range s.peers {
		s.armPeerHeartbeatLocked(p)
	}
}

func (s *Server) stopPeerHeartbeatsLocked() {
	for _, p := range s.peers {
		p.mu.Lock()
		if p.hbTask != nil {
			p.hbTask.Cancel()
			p.hbTask = nil
		}
		p.hbEnabled = false
		p.mu.Unlock()
	}
}

func (s *Server) armPeerHeartbeatLocked(p *peer) {
	d := s.params.HeartbeatInterval
	if s.params.RandomizedHeartbeat {
		d += time.Duration(s.rnd.Int63n(int64(d)/2 + 1))
	}
	p.mu.Lock()
	if p.removed {
		p.mu.Unlock()
		return
	}
	p.hbEnabled = true
	if p.hbTask != nil {
		p.hbTask.Cancel()
	}
	p.hbTask = s.sched.Schedule(func() { s.heartbeatFired(p) }, d)
	p.mu.Unlock()
}

func (s *Server) heartbeatFired(p *peer) {
	s.mu.Lock()
	if s.stopped || s.role != RoleLeader || p.isRemoved() {
		s.mu.Unlock()
		return
	}
	s.armPeerHeartbeatLocked(p)
	s.mu.Unlock()

	s.requestAppend(p)
}

// requestAppend builds and sends one AppendEntries (or snapshot chunk) to
// the peer. At most one request per peer is in flight; followers therefore
// observe appends in next_idx order.
func (s *Server) requestAppend(p *peer) {
	if !p.tryAcquire() {
		return
	}

	s.mu.Lock()
	if s.stopped || s.role != RoleLeader {
		s.mu.Unlock()
		p.release()
		return
	}

	next, _ := p.indexes()
	startIdx := s.store.StartIndex()
	if next < startIdx {
		// The entries this peer needs are compacted away; fall back to
		// snapshot transfer.
		s.mu.Unlock()
		s.sendSnapshotChunk(p)
		return
	}

	lastIdx := s.store.NextSlot() - 1
	var entries []*msg.LogEntry
	hint := s.sm.NextBatchSizeHint()
	if hint >= 0 && next <= lastIdx {
		end := next + uint64(s.params.MaxAppendSize)
		if end > lastIdx+1 {
			end = lastIdx + 1
		}
		got, err := s.store.LogEntries(next, end)
		if err != nil {
			s.mu.Unlock()
			p.release()
			s.logger.Warnw("failed to read entries for replication",
				"id", s.id, "peer", p.ID(), zap.Error(err))
			return
		}
		if hint > 0 {
			var total int64
			cut := len(got)
			for i, e := range got {
				total += int64(len(e.Data))
				if total > hint && i > 0 {
					cut = i
					break
				}
			}
			got = got[:cut]
		}
		entries = got
	}

	prevIdx := next - 1
	var prevTerm uint64
	if prevIdx > 0 {
		if prevIdx >= startIdx {
			t, err := s.store.TermAt(prevIdx)
			if err != nil {
				s.mu.Unlock()
				p.release()
				return
			}
			prevTerm = t
		} else if snp := s.sm.LastSnapshot(); snp != nil && snp.LastLogIdx == prevIdx {
			prevTerm = snp.LastLogTerm
		}
	}

	req := msg.NewRequest(msg.TypeAppendEntriesRequest, s.state.Term, s.id, p.ID())
	req.LastLogIdx = prevIdx
	req.LastLogTerm = prevTerm
	req.CommitIdx = s.commitIdx
	req.Entries = entries
	roundTerm := s.state.Term
	client := p.client
	timeout := s.params.ClientReqTimeout
	s.mu.Unlock()

	if client == nil {
		p.release()
		return
	}
	client.Send(req, timeout, func(resp *msg.Response, err error) {
		s.handleAppendEntriesResp(p, roundTerm, resp, err)
	})
}

func (s *Server) handleAppendEntriesResp(p *peer, roundTerm uint64, resp *msg.Response, err error) {
	p.release()

	if err != nil {
		p.markResponded(false)
		backoff := p.bumpBackoff(s.params.HeartbeatInterval, s.params.RPCFailureBackoff)
		s.logger.Debugw("append to peer failed",
			"id", s.id, "peer", p.ID(), "backoff", backoff, zap.Error(err))
		return
	}
	p.markResponded(true)

	s.mu.Lock()
	if s.stopped || s.role != RoleLeader || s.state.Term != roundTerm {
		s.mu.Unlock()
		return
	}
	if resp.Term > s.state.Term {
		s.updateTermLocked(resp.Term)
		s.mu.Unlock()
		return
	}

	if resp.Accepted {
		p.resetBackoff()
		if resp.NextIdx > 0 {
			p.setMatched(resp.NextIdx - 1)
		}
		s.checkCommitLocked()
		s.checkCatchUpLocked(p)
		more := false
		next, _ := p.indexes()
		if next <= s.store.NextSlot()-1 {
			more = true
		}
		s.mu.Unlock()
		if more {
			s.requestAppend(p)
		}
		return
	}

	// Rejected: follow the conflict hint, else probe one back.
	next, _ := p.indexes()
	if resp.NextIdx > 0 && resp.NextIdx < next {
		p.setNextIdx(resp.NextIdx)
	} else if next > 1 {
		p.setNextIdx(next - 1)
	}
	s.mu.Unlock()
	s.requestAppend(p)
}

// ---- follower side ----

func (s *Server) handleAppendEntriesReq(req *msg.Request) *msg.Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp := s.newResponseLocked(msg.TypeAppendEntriesResponse, req.Src)
	if req.Term < s.state.Term {
		return resp
	}

	if req.Term > s.state.Term {
		s.updateTermLocked(req.Term)
		resp.Term = s.state.Term
	} else if s.role != RoleFollower {
		s.becomeFollowerLocked(req.Src)
	}
	s.leaderID = req.Src
	s.lastLeaderContact = time.Now()
	s.targetPriority = s.config.MaxPriority()
	s.restartElectionTimerLocked()

	prevIdx := req.LastLogIdx
	prevTerm := req.LastLogTerm
	nextSlot := s.store.NextSlot()

	if prevIdx > 0 {
		if prevIdx >= nextSlot {
			// Hole: we do not have the previous entry yet.
			resp.NextIdx = nextSlot
			return resp
		}
		localPrevTerm, ok := s.termAtLocked(prevIdx)
		if !ok {
			resp.NextIdx = nextSlot
			return resp
		}
		if localPrevTerm != prevTerm {
			// Conflict hint: first index of our last divergent term.
			resp.NextIdx = s.firstIndexOfTermLocked(prevIdx, localPrevTerm)
			return resp
		}
	}

	if len(req.Entries) > 0 {
		s.appendIncomingLocked(prevIdx, req.Entries)
	}

	// Only entries up to prev + the batch are known to match the leader;
	// a stale local tail beyond that must not be committed off a
	// heartbeat's commit index.
	lastNew := prevIdx + uint64(len(req.Entries))
	if req.CommitIdx > s.commitIdx {
		target := req.CommitIdx
		if target > lastNew {
			target = lastNew
		}
		if target > s.commitIdx {
			s.commitIdx = target
			s.signalApply()
		}
	}

	resp.Accept(lastNew + 1)
	return resp
}

// termAtLocked reads a term, treating the snapshot boundary as part of
// history.
func (s *Server) termAtLocked(idx uint64) (uint64, bool) {
	if idx >= s.store.StartIndex() {
		t, err := s.store.TermAt(idx)
		if err != nil {
			return 0, false
		}
		return t, true
	}
	if snp := s.sm.LastSnapshot(); snp != nil && snp.LastLogIdx == idx {
		return snp.LastLogTerm, true
	}
	return 0, false
}

// firstIndexOfTermLocked walks back from idx to the first entry carrying
// the same term, the follower's conflict hint.
func (s *Server) firstIndexOfTermLocked(idx, term uint64) uint64 {
	first := idx
	start := s.store.StartIndex()
	for first > start {
		t, err := s.store.TermAt(first - 1)
		if err != nil || t != term {
			break
		}
		first--
	}
	return first
}

// appendIncomingLocked reconciles incoming entries with the local suffix:
// matching entries are kept, conflicting ones are rolled back and
// overwritten, new ones appended.
func (s *Server) appendIncomingLocked(prevIdx uint64, entries []*msg.LogEntry) {
	firstWritten := uint64(0)
	written := uint64(0)
	for i, e := range entries {
		idx := prevIdx + 1 + uint64(i)
		if idx < s.store.NextSlot() {
			existingTerm, ok := s.termAtLocked(idx)
			if ok && existingTerm == e.Term {
				continue
			}
			// Conflicting suffix: undo what the old leader tentatively
			// applied, then truncate by overwriting.
			s.rollbackRangeLocked(idx)
			if err := s.store.WriteAt(idx, e.Clone()); err != nil {
				s.logger.Errorw("log overwrite failed", "id", s.id, "index", idx, zap.Error(err))
				s.mgr.SystemExit(1)
				return
			}
		} else {
			if _, err := s.store.Append(e.Clone()); err != nil {
				s.logger.Errorw("log append failed", "id", s.id, "index", idx, zap.Error(err))
				s.mgr.SystemExit(1)
				return
			}
		}
		if firstWritten == 0 {
			firstWritten = idx
		}
		written++
		if e.Type == msg.ValueConfig {
			if conf, err := msg.DecodeClusterConfig(e.Data); err == nil {
				conf.LogIdx = idx
				s.installConfigLocked(conf, false)
			} else {
				s.logger.Warnw("undecodable config entry", "id", s.id, "index", idx, zap.Error(err))
			}
		}
	}
	if written > 0 {
		s.store.EndOfAppendBatch(firstWritten, written)
		if err := s.store.Flush(); err != nil {
			s.logger.Errorw("log flush failed", "id", s.id, zap.Error(err))
			s.mgr.SystemExit(1)
		}
	}
}

// rollbackRangeLocked informs the state machine about uncommitted app_log
// entries from idx onward that are about to be overwritten.
func (s *Server) rollbackRangeLocked(idx uint64) {
	for i := s.store.NextSlot() - 1; i >= idx && i >= s.store.StartIndex(); i-- {
		e, err := s.store.EntryAt(i)
		if err != nil || e == nil {
			break
		}
		if e.Type == msg.ValueAppLog && i > s.commitIdx {
			s.sm.Rollback(i, e.Data)
		}
		if i == 0 {
			break
		}
	}
}
