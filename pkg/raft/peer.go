package raft

import (
	"sync"
	"time"

	"github.com/szmyd/graft/pkg/msg"
)

// snapshotSyncCtx tracks one in-flight logical snapshot transfer to a peer.
// userCtx belongs to the state machine and must be released through
// FreeSnapshotCtx exactly once, on every exit path.
type snapshotSyncCtx struct {
	snapshot *msg.Snapshot
	offset   uint64
	userCtx  interface{}
}

// peer is the leader-local replication state for one other member. The
// server's coarse lock is never held across a network call; the peer's own
// lock guards the fields mutated by send/response races.
type peer struct {
	mu sync.Mutex

	config *msg.SrvConfig
	client RPCClient

	nextIdx    uint64
	matchedIdx uint64

	// busy blocks overlapping appends so each follower observes requests
	// in next_idx order.
	busy bool

	snapSync *snapshotSyncCtx

	backoff      time.Duration
	lastSent     time.Time
	lastResp     time.Time
	alive        bool
	hbTask       *Task
	hbEnabled    bool
	pendingSnaps int

	// removed marks a peer being torn down; in-flight handlers drop their
	// results instead of re-arming timers.
	removed bool
}

func newPeer(cfg *msg.SrvConfig, client RPCClient, nextIdx uint64) *peer {
	return &peer{
		config:  cfg.Clone(),
		client:  client,
		nextIdx: nextIdx,
	}
}

func (p *peer) ID() int32 { return p.config.ID }

// tryAcquire marks the peer busy for one in-flight request. It fails when a
// request is already outstanding.
func (p *peer) tryAcquire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.busy || p.removed {
		return false
	}
	p.busy = true
	p.lastSent = time.Now()
	return true
}

func (p *peer) release() {
	p.mu.Lock()
	p.busy = false
	p.mu.Unlock()
}

func (p *peer) markResponded(ok bool) {
	p.mu.Lock()
	p.lastResp = time.Now()
	p.alive = ok
	p.mu.Unlock()
}

func (p *peer) indexes() (next, matched uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextIdx, p.matchedIdx
}

func (p *peer) setNextIdx(idx uint64) {
	p.mu.Lock()
	p.nextIdx = idx
	p.mu.Unlock()
}

func (p *peer) setMatched(idx uint64) {
	p.mu.Lock()
	if idx > p.matchedIdx {
		p.matchedIdx = idx
	}
	p.nextIdx = p.matchedIdx + 1
	p.mu.Unlock()
}

// bumpBackoff doubles the retry delay up to cap and returns the new value.
func (p *peer) bumpBackoff(base, cap time.Duration) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.backoff == 0 {
		p.backoff = base
	} else {
		p.backoff *= 2
	}
	if p.backoff > cap {
		p.backoff = cap
	}
	return p.backoff
}

func (p *peer) resetBackoff() {
	p.mu.Lock()
	p.backoff = 0
	p.mu.Unlock()
}

func (p *peer) snapshotCtx() *snapshotSyncCtx {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapSync
}

func (p *peer) setSnapshotCtx(ctx *snapshotSyncCtx) {
	p.mu.Lock()
	p.snapSync = ctx
	p.mu.Unlock()
}

// markRemoved flags teardown and returns the snapshot ctx (if any) so the
// caller can release the state machine's reader resources.
func (p *peer) markRemoved() *snapshotSyncCtx {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removed = true
	ctx := p.snapSync
	p.snapSync = nil
	return ctx
}

func (p *peer) isRemoved() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.removed
}
