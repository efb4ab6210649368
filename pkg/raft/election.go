package raft

import (
	"time"

	"github.com/szmyd/graft/pkg/msg"
)

// handleElectionTimeout fires when no leader traffic arrived within the
// randomized timeout. Pre-vote runs first so a partitioned server cannot
// inflate the cluster term.
func (s *Server) handleElectionTimeout() {
	s.mu.Lock()
	if s.stopped || s.role == RoleLeader {
		s.mu.Unlock()
		return
	}

	me := s.config.Server(s.id)
	if me == nil || me.Learner {
		// Not a voting member (yet); keep waiting for the leader.
		s.restartElectionTimerLocked()
		s.mu.Unlock()
		return
	}
	if me.Priority == 0 {
		// Priority zero never leads.
		s.restartElectionTimerLocked()
		s.mu.Unlock()
		return
	}
	if me.Priority < s.targetPriority {
		// Lower-priority servers hold back, decaying the threshold each
		// quiet period so somebody eventually qualifies.
		s.decayTargetPriorityLocked()
		s.restartElectionTimerLocked()
		s.mu.Unlock()
		return
	}

	s.startPreVoteLocked()
	s.restartElectionTimerLocked()
	s.mu.Unlock()
}

// decayTargetPriorityLocked monotonically lowers the local election gate.
// The floor is 1 so any server with non-zero priority can eventually lead.
func (s *Server) decayTargetPriorityLocked() {
	if s.targetPriority <= 1 {
		return
	}
	decayed := s.targetPriority * 8 / 10
	if decayed < 1 {
		decayed = 1
	}
	s.targetPriority = decayed
	s.logger.Debugw("decayed election priority threshold",
		"id", s.id, "target_priority", s.targetPriority)
}

// lastLogCoordsLocked returns (lastTerm, lastIdx) including snapshot-covered
// history when the log is empty.
func (s *Server) lastLogCoordsLocked() (uint64, uint64) {
	lastIdx := s.store.NextSlot() - 1
	if lastIdx >= s.store.StartIndex() {
		term, err := s.store.TermAt(lastIdx)
		if err == nil {
			return term, lastIdx
		}
	}
	if snp := s.sm.LastSnapshot(); snp != nil && snp.LastLogIdx == lastIdx {
		return snp.LastLogTerm, lastIdx
	}
	if e := s.store.LastEntry(); e != nil {
		return e.Term, lastIdx
	}
	return 0, lastIdx
}

// startPreVoteLocked broadcasts a dry-run vote at term+1. No durable state
// changes until the pre-vote quorum arrives. Takeover requests skip this
// and go straight to initiateVoteLocked.
func (s *Server) startPreVoteLocked() {
	probeTerm := s.state.Term + 1
	s.preVoteTerm = probeTerm
	s.preVoteGranted = 1 // self

	lastTerm, lastIdx := s.lastLogCoordsLocked()
	voters := s.config.Voters()
	quorum := s.config.Quorum()
	if s.preVoteGranted >= quorum {
		s.initiateVoteLocked(false)
		return
	}

	s.logger.Infow("starting pre-vote", "id", s.id, "probe_term", probeTerm)
	for _, v := range voters {
		if v.ID == s.id {
			continue
		}
		p, ok := s.peers[v.ID]
		if !ok || p.client == nil {
			continue
		}
		req := msg.NewRequest(msg.TypePreVoteRequest, probeTerm, s.id, v.ID)
		req.LastLogTerm = lastTerm
		req.LastLogIdx = lastIdx
		client := p.client
		go client.Send(req, s.params.ClientReqTimeout, func(resp *msg.Response, err error) {
			s.handlePreVoteResp(probeTerm, resp, err)
		})
	}
}

func (s *Server) handlePreVoteResp(probeTerm uint64, resp *msg.Response, err error) {
	if err != nil || resp == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.preVoteTerm != probeTerm || s.role == RoleLeader {
		return
	}
	if resp.Term > s.state.Term {
		s.updateTermLocked(resp.Term)
		return
	}
	if !resp.Accepted {
		return
	}
	s.preVoteGranted++
	if s.preVoteGranted >= s.config.Quorum() {
		s.preVoteTerm = 0
		s.initiateVoteLocked(false)
	}
}

// initiateVoteLocked starts a real election round. The incremented term and
// the self-vote hit stable storage before any request leaves this server.
func (s *Server) initiateVoteLocked(force bool) {
	s.role = RoleCandidate
	s.state.Term++
	s.state.VotedFor = s.id
	s.persistStateLocked()

	s.voteRoundTerm = s.state.Term
	s.votesGranted = 1
	s.votesResponded = 1

	lastTerm, lastIdx := s.lastLogCoordsLocked()
	s.logger.Infow("starting election",
		"id", s.id, "term", s.state.Term, "force", force)

	if s.votesGranted >= s.config.Quorum() {
		s.becomeLeaderLocked()
		return
	}

	for _, v := range s.config.Voters() {
		if v.ID == s.id {
			continue
		}
		p, ok := s.peers[v.ID]
		if !ok || p.client == nil {
			continue
		}
		req := msg.NewRequest(msg.TypeRequestVoteRequest, s.state.Term, s.id, v.ID)
		req.LastLogTerm = lastTerm
		req.LastLogIdx = lastIdx
		if force {
			req.Flags |= msg.FlagForceVote
		}
		client := p.client
		roundTerm := s.state.Term
		go client.Send(req, s.params.ClientReqTimeout, func(resp *msg.Response, err error) {
			s.handleRequestVoteResp(roundTerm, resp, err)
		})
	}
}

func (s *Server) handleRequestVoteResp(roundTerm uint64, resp *msg.Response, err error) {
	if err != nil || resp == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.role != RoleCandidate || s.voteRoundTerm != roundTerm {
		return
	}
	if resp.Term > s.state.Term {
		s.updateTermLocked(resp.Term)
		return
	}
	s.votesResponded++
	if resp.Accepted {
		s.votesGranted++
	}
	if s.votesGranted >= s.config.Quorum() {
		s.becomeLeaderLocked()
	}
}

// handlePreVoteReq grants a dry-run vote without touching durable state. A
// grant requires a quiet election period locally and a candidate log at
// least as current as ours.
func (s *Server) handlePreVoteReq(req *msg.Request) *msg.Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp := s.newResponseLocked(msg.TypePreVoteResponse, req.Src)
	if req.Term < s.state.Term {
		return resp
	}

	heardFromLeader := s.leaderID != NoLeader &&
		time.Since(s.lastLeaderContact) < s.params.ElectionTimeoutMin
	if heardFromLeader && !req.ForceVote() {
		return resp
	}
	if !s.logUpToDateLocked(req.LastLogTerm, req.LastLogIdx) {
		return resp
	}
	resp.Accept(s.store.NextSlot())
	return resp
}

// handleRequestVoteReq grants at most one real vote per term, persisted
// before the reply leaves.
func (s *Server) handleRequestVoteReq(req *msg.Request) *msg.Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp := s.newResponseLocked(msg.TypeRequestVoteResponse, req.Src)
	if req.Term < s.state.Term {
		return resp
	}
	if req.Term > s.state.Term {
		s.updateTermLocked(req.Term)
		resp.Term = s.state.Term
	}

	if s.state.VotedFor != NoVote && s.state.VotedFor != req.Src {
		return resp
	}
	if !s.logUpToDateLocked(req.LastLogTerm, req.LastLogIdx) {
		return resp
	}

	s.state.VotedFor = req.Src
	s.persistStateLocked()
	s.restartElectionTimerLocked()
	resp.Accept(s.store.NextSlot())
	s.logger.Infow("granted vote",
		"id", s.id, "candidate", req.Src, "term", s.state.Term, "force", req.ForceVote())
	return resp
}

// logUpToDateLocked compares (lastTerm, lastIdx) lexicographically.
func (s *Server) logUpToDateLocked(candTerm, candIdx uint64) bool {
	myTerm, myIdx := s.lastLogCoordsLocked()
	if candTerm != myTerm {
		return candTerm > myTerm
	}
	return candIdx >= myIdx
}
