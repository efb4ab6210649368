package raft

import (
	"time"

	"go.uber.org/zap"

	"github.com/szmyd/graft/pkg/msg"
)

// maybeCreateSnapshot triggers snapshot creation once enough entries have
// been applied since the log's start. Creation may run asynchronously in
// the state machine; compaction happens in the completion callback.
func (s *Server) maybeCreateSnapshot() {
	s.mu.Lock()
	if s.params.SnapshotDistance == 0 || s.snapshotInProgress || s.stopped {
		s.mu.Unlock()
		return
	}
	applied := s.smCommitIdx
	start := s.store.StartIndex()
	if applied < start || applied-start+1 < s.params.SnapshotDistance {
		s.mu.Unlock()
		return
	}
	term, ok := s.termAtLocked(applied)
	if !ok {
		s.mu.Unlock()
		return
	}
	snp := msg.NewSnapshot(applied, term, s.config.Clone(), 0)
	s.snapshotInProgress = true
	reserved := s.params.ReservedLogItems
	s.mu.Unlock()

	s.logger.Infow("creating snapshot", "id", s.id, "last_log_idx", applied)
	s.sm.CreateSnapshot(snp, func(err error) {
		s.onSnapshotCreated(snp, reserved, err)
	})
}

func (s *Server) onSnapshotCreated(snp *msg.Snapshot, reserved uint64, err error) {
	s.mu.Lock()
	s.snapshotInProgress = false
	s.mu.Unlock()

	if err != nil {
		s.logger.Warnw("snapshot creation failed",
			"id", s.id, "last_log_idx", snp.LastLogIdx, zap.Error(err))
		return
	}

	compactTo := snp.LastLogIdx
	if compactTo > reserved {
		compactTo -= reserved
	} else {
		compactTo = 0
	}
	if compactTo > 0 {
		s.store.CompactAsync(compactTo, func(cerr error) {
			if cerr != nil {
				s.logger.Warnw("log compaction failed",
					"id", s.id, "compact_to", compactTo, zap.Error(cerr))
			}
		})
	}
	s.fireCallback(CbSnapshotCreated, snp.Clone())
}

// ---- leader side transfer ----

// sendSnapshotChunk ships the next object of a logical snapshot to a peer
// whose needed entries are compacted away. The caller has already acquired
// the peer's in-flight slot.
func (s *Server) sendSnapshotChunk(p *peer) {
	s.mu.Lock()
	if s.stopped || s.role != RoleLeader {
		s.mu.Unlock()
		p.release()
		return
	}

	sync := p.snapshotCtx()
	if sync == nil {
		snp := s.sm.LastSnapshot()
		if snp == nil {
			s.mu.Unlock()
			p.release()
			s.logger.Warnw("peer needs compacted entries but no snapshot exists",
				"id", s.id, "peer", p.ID())
			return
		}
		sync = &snapshotSyncCtx{snapshot: snp.Clone()}
		p.setSnapshotCtx(sync)
		s.logger.Infow("starting snapshot transfer",
			"id", s.id, "peer", p.ID(), "last_log_idx", snp.LastLogIdx)
		s.sendOutOfLogWarningLocked(p, s.store.StartIndex())
	}

	roundTerm := s.state.Term
	timeout := s.params.ClientReqTimeout
	client := p.client
	s.mu.Unlock()

	if client == nil {
		p.release()
		return
	}

	newCtx, data, isLast, err := s.sm.ReadSnapshotObj(sync.snapshot, sync.userCtx, sync.offset)
	sync.userCtx = newCtx
	if err != nil {
		p.release()
		backoff := p.bumpBackoff(s.params.HeartbeatInterval, s.params.RPCFailureBackoff)
		s.logger.Warnw("snapshot object read failed",
			"id", s.id, "peer", p.ID(), "obj_id", sync.offset, "backoff", backoff, zap.Error(err))
		return
	}

	sr := msg.NewSnapshotSyncReq(sync.snapshot, sync.offset, data, isLast)
	entry := msg.NewLogEntry(roundTerm, msg.ValueSnapshotSync, sr.Encode())

	req := msg.NewRequest(msg.TypeInstallSnapshotRequest, roundTerm, s.id, p.ID())
	req.CommitIdx = s.CommittedIndex()
	req.Entries = []*msg.LogEntry{entry}

	client.Send(req, timeout, func(resp *msg.Response, err error) {
		s.handleInstallSnapshotResp(p, sync, roundTerm, isLast, resp, err)
	})
}

func (s *Server) handleInstallSnapshotResp(p *peer, sync *snapshotSyncCtx, roundTerm uint64, wasLast bool, resp *msg.Response, err error) {
	p.release()

	if err != nil {
		p.markResponded(false)
		backoff := p.bumpBackoff(s.params.HeartbeatInterval, s.params.RPCFailureBackoff)
		s.logger.Debugw("snapshot chunk send failed",
			"id", s.id, "peer", p.ID(), "backoff", backoff, zap.Error(err))
		return
	}
	p.markResponded(true)

	s.mu.Lock()
	if s.stopped || s.role != RoleLeader || s.state.Term != roundTerm {
		s.mu.Unlock()
		s.releaseSnapshotCtx(p)
		return
	}
	if resp.Term > s.state.Term {
		s.updateTermLocked(resp.Term)
		s.mu.Unlock()
		s.releaseSnapshotCtx(p)
		return
	}

	if !resp.Accepted {
		s.mu.Unlock()
		p.bumpBackoff(s.params.HeartbeatInterval, s.params.RPCFailureBackoff)
		return
	}
	p.resetBackoff()

	if wasLast {
		// Transfer complete: the follower now owns everything up to the
		// snapshot's last index.
		last := sync.snapshot.LastLogIdx
		p.setMatched(last)
		s.checkCommitLocked()
		s.checkCatchUpLocked(p)
		s.mu.Unlock()
		s.releaseSnapshotCtx(p)
		s.logger.Infow("snapshot transfer complete",
			"id", s.id, "peer", p.ID(), "last_log_idx", last)
		return
	}

	sync.offset = resp.NextIdx
	s.mu.Unlock()

	if p.tryAcquire() {
		s.sendSnapshotChunk(p)
	}
}

// releaseSnapshotCtx frees the state machine's reader context, exactly once
// per transfer, on every exit path.
func (s *Server) releaseSnapshotCtx(p *peer) {
	p.mu.Lock()
	sync := p.snapSync
	p.snapSync = nil
	p.mu.Unlock()
	if sync != nil && sync.userCtx != nil {
		s.sm.FreeSnapshotCtx(sync.userCtx)
		sync.userCtx = nil
	}
}

// ---- follower side ----

func (s *Server) handleInstallSnapshotReq(req *msg.Request) *msg.Response {
	s.mu.Lock()

	resp := s.newResponseLocked(msg.TypeInstallSnapshotResponse, req.Src)
	if req.Term < s.state.Term {
		s.mu.Unlock()
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
	s.restartElectionTimerLocked()

	if len(req.Entries) == 0 || req.Entries[0].Type != msg.ValueSnapshotSync {
		s.mu.Unlock()
		s.logger.Warnw("install_snapshot without sync payload", "id", s.id, "src", req.Src)
		return resp
	}
	sr, err := msg.DecodeSnapshotSyncReq(req.Entries[0].Data)
	if err != nil || sr.Snapshot == nil {
		s.mu.Unlock()
		s.logger.Warnw("undecodable snapshot sync request", "id", s.id, zap.Error(err))
		return resp
	}
	s.mu.Unlock()

	// Blocking state-machine work happens outside the server lock.
	isFirst := sr.Offset == 0
	nextObj, err := s.sm.SaveSnapshotObj(sr.Snapshot, sr.Offset, sr.Data, isFirst, sr.Done)
	if err != nil {
		s.logger.Warnw("failed to store snapshot object",
			"id", s.id, "obj_id", sr.Offset, zap.Error(err))
		return resp
	}

	if sr.Done {
		if !s.sm.ApplySnapshot(sr.Snapshot) {
			s.logger.Errorw("state machine rejected snapshot",
				"id", s.id, "last_log_idx", sr.Snapshot.LastLogIdx)
			return resp
		}
		s.finishSnapshotInstall(sr.Snapshot)
	}

	s.mu.Lock()
	resp.Term = s.state.Term
	resp.Accept(nextObj)
	s.mu.Unlock()
	return resp
}

// finishSnapshotInstall adopts the snapshot's position: commit index,
// cluster config, and a log truncated past the covered range.
func (s *Server) finishSnapshotInstall(snp *msg.Snapshot) {
	s.mu.Lock()
	if snp.LastLogIdx > s.commitIdx {
		s.commitIdx = snp.LastLogIdx
	}
	if snp.LastLogIdx > s.smCommitIdx {
		s.smCommitIdx = snp.LastLogIdx
	}
	if snp.LastConfig != nil {
		s.installConfigLocked(snp.LastConfig.Clone(), true)
	}
	if err := s.store.Compact(snp.LastLogIdx); err != nil {
		s.logger.Warnw("post-install log truncation failed",
			"id", s.id, "last_log_idx", snp.LastLogIdx, zap.Error(err))
	}
	s.outOfLogRange = false
	s.restartElectionTimerLocked()
	s.mu.Unlock()

	s.logger.Infow("snapshot installed",
		"id", s.id, "last_log_idx", snp.LastLogIdx, "last_log_term", snp.LastLogTerm)
}
