package raft

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/szmyd/graft/pkg/msg"
)

// NoLeader marks an unknown leader id.
const NoLeader int32 = -1

// ServerOptions bundles the collaborators a caller plugs into the engine.
type ServerOptions struct {
	StateMachine  StateMachine
	StateManager  StateManager
	ClientFactory ClientFactory
	Listener      Listener
	Params        *Params
	Logger        *zap.SugaredLogger
	Callback      CallbackFunc
}

// Server is the consensus engine for one member of a replication group. It
// serializes state transitions under one coarse lock; long operations (log
// flush, state-machine commit, snapshot I/O, network sends) run outside it.
type Server struct {
	id     int32
	logger *zap.SugaredLogger
	params *Params

	sm       StateMachine
	store    LogStore
	mgr      StateManager
	factory  ClientFactory
	listener Listener
	cb       CallbackFunc

	sched *scheduler

	mu       sync.Mutex
	role     Role
	state    *SrvState
	leaderID int32
	config   *msg.ClusterConfig
	peers    map[int32]*peer

	commitIdx   uint64 // highest index known committed
	smCommitIdx uint64 // highest index handed to the state machine

	electionTask      *Task
	targetPriority    int32
	lastLeaderContact time.Time
	outOfLogRange     bool

	// Vote round bookkeeping; guarded by mu.
	voteRoundTerm  uint64
	votesGranted   int
	votesResponded int
	preVoteTerm    uint64
	preVoteGranted int

	// Membership; guarded by mu. At most one change is in flight.
	configChanging   bool
	srvToJoin        *peer
	joinDeadline     time.Time
	membershipResult *Result
	membershipIdx    uint64
	pendingPromotion int32
	removingSrvID    int32
	catchingUp       bool

	writesPaused bool
	resumeTask   *Task

	pending map[uint64]*Result

	snapshotInProgress bool

	fwd *forwarder
	rnd *rand.Rand

	// applierMu serializes applyCommitted runs so urgent-commit
	// goroutines and the background applier never interleave.
	applierMu sync.Mutex

	applyCh  chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  bool
}

// NewServer wires up a server. Durable state, configuration and the log are
// restored through the state manager before the server is returned.
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.StateMachine == nil || opts.StateManager == nil ||
		opts.ClientFactory == nil || opts.Listener == nil {
		return nil, fmt.Errorf("raft: state machine, state manager, client factory and listener are required")
	}
	params := opts.Params
	if params == nil {
		params = DefaultParams()
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	s := &Server{
		id:            opts.StateManager.ServerID(),
		logger:        logger,
		params:        params.Clone(),
		sm:            opts.StateMachine,
		store:         opts.StateManager.LoadLogStore(),
		mgr:           opts.StateManager,
		factory:       opts.ClientFactory,
		listener:      opts.Listener,
		cb:            opts.Callback,
		sched:         newScheduler(),
		role:          RoleFollower,
		leaderID:      NoLeader,
		removingSrvID: NoLeader,
		peers:         make(map[int32]*peer),
		pending:       make(map[uint64]*Result),
		applyCh:       make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
		rnd:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.fwd = newForwarder(s)

	st, err := s.mgr.ReadState()
	if err != nil {
		return nil, fmt.Errorf("raft: read durable state: %w", err)
	}
	if st == nil {
		st = NewSrvState()
	}
	s.state = st

	conf, err := s.mgr.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("raft: load config: %w", err)
	}
	if conf == nil {
		conf = msg.NewClusterConfig(0, 0)
	}
	s.config = conf
	s.targetPriority = conf.MaxPriority()

	s.smCommitIdx = s.sm.LastCommitIndex()
	s.commitIdx = s.smCommitIdx
	if snp := s.sm.LastSnapshot(); snp != nil && snp.LastLogIdx > s.commitIdx {
		s.commitIdx = snp.LastLogIdx
		s.smCommitIdx = snp.LastLogIdx
	}

	return s, nil
}

// Start brings the server online: the listener begins feeding requests, the
// applier loop starts, and the election timer is armed.
func (s *Server) Start() {
	s.listener.Listen(s.ProcessReq)

	s.wg.Add(1)
	go s.applyLoop()

	s.mu.Lock()
	s.ensurePeersLocked()
	s.restartElectionTimerLocked()
	s.mu.Unlock()

	s.logger.Infow("server started",
		"id", s.id, "term", s.Term(), "commit_idx", s.CommittedIndex())
}

// Shutdown stops accepting work, drains in-flight operations within grace,
// closes the listener, flushes the log, and fires the final callbacks.
func (s *Server) Shutdown(grace time.Duration) {
	s.stopOnce.Do(func() {
		s.logger.Infow("shutting down", "id", s.id, "grace", grace)

		s.mu.Lock()
		s.stopped = true
		wasLeader := s.role == RoleLeader
		s.role = RoleFollower
		s.cancelTimersLocked()
		pending := s.pending
		s.pending = make(map[uint64]*Result)
		mres := s.membershipResult
		s.membershipResult = nil
		peers := s.collectPeersLocked()
		s.mu.Unlock()

		close(s.stopCh)
		s.sched.Stop()
		s.fwd.shutdown()

		done := make(chan struct{})
		go func() { s.wg.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(grace):
			s.logger.Warnw("grace period elapsed with workers still running", "id", s.id)
		}

		if err := s.listener.Stop(); err != nil {
			s.logger.Warnw("listener stop failed", "id", s.id, zap.Error(err))
		}

		for _, p := range peers {
			s.teardownPeer(p)
		}

		for _, r := range pending {
			r.complete(ResultCancelled, nil, nil)
		}
		if mres != nil {
			mres.complete(ResultCancelled, nil, nil)
		}

		if err := s.store.Flush(); err != nil {
			s.logger.Errorw("final log flush failed", "id", s.id, zap.Error(err))
		}

		if wasLeader {
			s.fireCallback(CbBecomeResigned, nil)
		}
		s.fireCallback(CbBecomeFollower, nil)
	})
}

// ProcessReq is the entry point for every inbound request. It is safe for
// concurrent use; the transport may call it from any goroutine.
func (s *Server) ProcessReq(req *msg.Request) (*msg.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("raft: nil request")
	}
	if s.isStopped() {
		return nil, ErrShutdown
	}
	if req.Dst != s.id && req.Dst != 0 {
		return nil, fmt.Errorf("raft: request for server %d delivered to %d", req.Dst, s.id)
	}

	switch req.Type {
	case msg.TypePreVoteRequest:
		return s.handlePreVoteReq(req), nil
	case msg.TypeRequestVoteRequest:
		return s.handleRequestVoteReq(req), nil
	case msg.TypeAppendEntriesRequest:
		return s.handleAppendEntriesReq(req), nil
	case msg.TypeInstallSnapshotRequest:
		return s.handleInstallSnapshotReq(req), nil
	case msg.TypeClientRequest:
		return s.handleClientReq(req), nil
	case msg.TypeAddServerRequest:
		return s.handleAddServerReq(req), nil
	case msg.TypeRemoveServerRequest:
		return s.handleRemoveServerReq(req), nil
	case msg.TypeJoinClusterRequest:
		return s.handleJoinClusterReq(req), nil
	case msg.TypeLeaveClusterRequest:
		return s.handleLeaveClusterReq(req), nil
	case msg.TypeSyncLogRequest:
		return s.handleSyncLogReq(req), nil
	case msg.TypeCustomNotificationRequest:
		return s.handleCustomNotificationReq(req), nil
	default:
		s.logger.Warnw("unrecognized request type", "id", s.id, "type", req.Type.String())
		return nil, fmt.Errorf("raft: unrecognized request type %d", req.Type)
	}
}

// ---- role and term transitions (call with mu held) ----

// updateTermLocked adopts a higher term observed in traffic. Persists before
// the new term can leak into any outbound message.
func (s *Server) updateTermLocked(term uint64) {
	if term <= s.state.Term {
		return
	}
	s.state.Term = term
	s.state.VotedFor = NoVote
	s.persistStateLocked()
	if s.role != RoleFollower {
		s.becomeFollowerLocked(NoLeader)
	} else {
		s.restartElectionTimerLocked()
	}
}

func (s *Server) becomeFollowerLocked(leader int32) {
	prevRole := s.role
	s.role = RoleFollower
	s.leaderID = leader
	s.writesPaused = false
	if s.resumeTask != nil {
		s.resumeTask.Cancel()
		s.resumeTask = nil
	}
	s.stopPeerHeartbeatsLocked()
	s.abortMembershipLocked(ResultCancelled)
	s.failPendingLocked(ResultCancelled)
	s.restartElectionTimerLocked()

	if prevRole == RoleLeader {
		s.logger.Infow("stepping down", "id", s.id, "term", s.state.Term)
		s.fireCallbackAsync(CbBecomeFollower, nil)
	}
}

func (s *Server) becomeLeaderLocked() {
	s.role = RoleLeader
	s.leaderID = s.id
	s.outOfLogRange = false
	s.cancelElectionTimerLocked()
	s.targetPriority = s.config.MaxPriority()

	s.ensurePeersLocked()
	next := s.store.NextSlot()
	for _, p := range s.peers {
		p.setNextIdx(next)
		p.mu.Lock()
		p.matchedIdx = 0
		p.mu.Unlock()
	}

	// A no-op entry in the new term anchors commit progress over entries
	// inherited from older terms.
	noop := msg.NewLogEntry(s.state.Term, msg.ValueCustom, nil)
	if _, err := s.store.Append(noop); err != nil {
		s.logger.Errorw("failed to append term anchor", "id", s.id, zap.Error(err))
		s.mgr.SystemExit(1)
		return
	}
	s.flushLogLocked()

	s.logger.Infow("became leader", "id", s.id, "term", s.state.Term)
	s.startPeerHeartbeatsLocked()
	s.fireCallbackAsync(CbBecomeLeader, nil)
	s.checkCommitLocked()
}

// persistStateLocked saves durable state; failure to persist is fatal.
func (s *Server) persistStateLocked() {
	if err := s.mgr.SaveState(s.state); err != nil {
		s.logger.Errorw("failed to persist server state", "id", s.id, zap.Error(err))
		s.mgr.SystemExit(1)
	}
}

// flushLogLocked makes appended entries durable unless parallel appending
// defers durability to the store's own pipeline.
func (s *Server) flushLogLocked() {
	if s.params.ParallelLogAppending {
		return
	}
	if err := s.store.Flush(); err != nil {
		s.logger.Errorw("log flush failed", "id", s.id, zap.Error(err))
		s.mgr.SystemExit(1)
	}
}

// selfMatchedIdxLocked is the leader's own replication progress. With
// parallel appending only durable entries count.
func (s *Server) selfMatchedIdxLocked() uint64 {
	if s.params.ParallelLogAppending {
		return s.store.LastDurableIndex()
	}
	return s.store.NextSlot() - 1
}

// checkCommitLocked advances the commit index from voter match indexes.
func (s *Server) checkCommitLocked() {
	if s.role != RoleLeader {
		return
	}
	voters := s.config.Voters()
	matched := make([]uint64, 0, len(voters))
	peerIdx := make(map[int32]uint64, len(voters))
	for _, v := range voters {
		if v.ID == s.id {
			m := s.selfMatchedIdxLocked()
			matched = append(matched, m)
			peerIdx[v.ID] = m
			continue
		}
		if p, ok := s.peers[v.ID]; ok {
			_, m := p.indexes()
			matched = append(matched, m)
			peerIdx[v.ID] = m
		} else {
			matched = append(matched, 0)
			peerIdx[v.ID] = 0
		}
	}
	if len(matched) == 0 {
		return
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i] > matched[j] })
	quorum := s.config.Quorum()
	if quorum > len(matched) {
		return
	}
	candidate := matched[quorum-1]
	if candidate <= s.commitIdx {
		return
	}

	// Only entries of the current term commit by counting (the classic
	// no-commit-across-terms rule); older entries commit transitively.
	term, err := s.store.TermAt(candidate)
	if err != nil || term != s.state.Term {
		return
	}

	adjusted := s.sm.AdjustCommitIndex(s.commitIdx, candidate, peerIdx)
	if adjusted > candidate {
		adjusted = candidate
	}
	if adjusted <= s.commitIdx {
		return
	}
	s.commitIdx = adjusted
	if s.params.UseBgThreadForUrgentCommit {
		// Urgent commits get their own worker instead of waiting for
		// the shared applier to wake.
		go s.applyCommitted()
	} else {
		s.signalApply()
	}
}

func (s *Server) signalApply() {
	select {
	case s.applyCh <- struct{}{}:
	default:
	}
}

// applyLoop is the single applier: entries reach the state machine in
// strictly increasing index order with no gaps.
func (s *Server) applyLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.applyCh:
		}
		s.applyCommitted()
	}
}

func (s *Server) applyCommitted() {
	s.applierMu.Lock()
	defer s.applierMu.Unlock()
	for {
		s.mu.Lock()
		if s.smCommitIdx >= s.commitIdx {
			s.mu.Unlock()
			return
		}
		idx := s.smCommitIdx + 1
		entry, err := s.store.EntryAt(idx)
		if err != nil || entry == nil {
			s.mu.Unlock()
			s.logger.Errorw("committed entry missing from log store",
				"id", s.id, "index", idx, zap.Error(err))
			return
		}
		res := s.pending[idx]
		delete(s.pending, idx)
		s.mu.Unlock()

		switch entry.Type {
		case msg.ValueAppLog:
			data, err := s.sm.Commit(idx, entry.Data)
			if res != nil {
				if err != nil {
					res.complete(ResultFailed, nil, err)
				} else {
					res.complete(ResultOK, data, nil)
				}
			}
		case msg.ValueConfig:
			s.applyConfigEntry(idx, entry)
			if res != nil {
				res.complete(ResultOK, nil, nil)
			}
		default:
			// Term anchors, packs and custom payloads carry no
			// application state.
			if res != nil {
				res.complete(ResultOK, nil, nil)
			}
		}

		s.mu.Lock()
		s.smCommitIdx = idx
		s.mu.Unlock()

		s.maybeCreateSnapshot()
	}
}

// ---- timers ----

func (s *Server) restartElectionTimerLocked() {
	if s.stopped || !s.state.ElectionTimerAllowed || s.role == RoleLeader {
		return
	}
	if s.electionTask != nil {
		s.electionTask.Cancel()
	}
	min := s.params.ElectionTimeoutMin
	max := s.params.ElectionTimeoutMax
	d := min
	if max > min {
		d = min + time.Duration(s.rnd.Int63n(int64(max-min)))
	}
	s.electionTask = s.sched.Schedule(s.handleElectionTimeout, d)
}

func (s *Server) cancelElectionTimerLocked() {
	if s.electionTask != nil {
		s.electionTask.Cancel()
		s.electionTask = nil
	}
}

func (s *Server) cancelTimersLocked() {
	s.cancelElectionTimerLocked()
	if s.resumeTask != nil {
		s.resumeTask.Cancel()
		s.resumeTask = nil
	}
	s.stopPeerHeartbeatsLocked()
}

// ---- helpers ----

func (s *Server) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Server) collectPeersLocked() []*peer {
	out := make([]*peer, 0, len(s.peers)+1)
	for _, p := range s.peers {
		out = append(out, p)
	}
	if s.srvToJoin != nil {
		out = append(out, s.srvToJoin)
	}
	return out
}

// ensurePeersLocked creates peer records for every config member missing
// from the table. Every role keeps the table (candidates need it to
// request votes); only leaders arm heartbeats on it.
func (s *Server) ensurePeersLocked() {
	next := s.store.NextSlot()
	for _, sv := range s.config.Servers {
		if sv.ID == s.id {
			continue
		}
		if _, ok := s.peers[sv.ID]; ok {
			continue
		}
		client, err := s.factory.CreateClient(sv.Endpoint)
		if err != nil {
			s.logger.Warnw("cannot connect peer",
				"id", s.id, "srv", sv.ID, "endpoint", sv.Endpoint, zap.Error(err))
			continue
		}
		s.peers[sv.ID] = newPeer(sv, client, next)
	}
}

// teardownPeer releases a peer's transport client and any snapshot reader
// context it still holds.
func (s *Server) teardownPeer(p *peer) {
	if ctx := p.markRemoved(); ctx != nil && ctx.userCtx != nil {
		s.sm.FreeSnapshotCtx(ctx.userCtx)
	}
	p.mu.Lock()
	if p.hbTask != nil {
		p.hbTask.Cancel()
		p.hbTask = nil
	}
	client := p.client
	p.client = nil
	p.mu.Unlock()
	if client != nil {
		_ = client.Close()
	}
}

func (s *Server) failPendingLocked(code ResultCode) {
	for idx, r := range s.pending {
		delete(s.pending, idx)
		go r.complete(code, nil, nil)
	}
}

func (s *Server) fireCallback(t CallbackType, ctx interface{}) {
	if s.cb == nil {
		return
	}
	s.cb(&CallbackParam{
		Type:     t,
		ServerID: s.id,
		LeaderID: s.Leader(),
		Term:     s.Term(),
		Ctx:      ctx,
	})
}

// fireCallbackAsync decouples user callbacks from the engine lock.
func (s *Server) fireCallbackAsync(t CallbackType, ctx interface{}) {
	if s.cb == nil {
		return
	}
	p := &CallbackParam{
		Type:     t,
		ServerID: s.id,
		LeaderID: s.leaderID,
		Term:     s.state.Term,
		Ctx:      ctx,
	}
	go s.cb(p)
}

// newResponseLocked stamps the common envelope fields.
func (s *Server) newResponseLocked(t msg.MsgType, dst int32) *msg.Response {
	return msg.NewResponse(t, s.state.Term, s.id, dst)
}

// ---- public getters ----

func (s *Server) ID() int32 { return s.id }

func (s *Server) Term() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Term
}

func (s *Server) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

func (s *Server) IsLeader() bool { return s.Role() == RoleLeader }

// Leader returns the current known leader id, NoLeader when unknown.
func (s *Server) Leader() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaderID
}

func (s *Server) CommittedIndex() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitIdx
}

// Config returns a copy of the active cluster configuration.
func (s *Server) Config() *msg.ClusterConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config.Clone()
}

// OutOfLogRange reports whether the leader has signalled that this server's
// log is behind the leader's retained range.
func (s *Server) OutOfLogRange() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outOfLogRange
}

// PeerInfo reports a peer's replication progress (leader only).
type PeerInfo struct {
	ID         int32
	NextIdx    uint64
	MatchedIdx uint64
	InSnapshot bool
}

func (s *Server) PeerInfo() []PeerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PeerInfo, 0, len(s.peers))
	for _, p := range s.peers {
		next, matched := p.indexes()
		out = append(out, PeerInfo{
			ID:         p.ID(),
			NextIdx:    next,
			MatchedIdx: matched,
			InSnapshot: p.snapshotCtx() != nil,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
