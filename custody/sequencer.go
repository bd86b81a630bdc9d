package custody

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// ErrSequencerClosed is returned when work is enqueued after shutdown.
var ErrSequencerClosed = errors.New("custody: sequencer closed")

// Work submits one ledger mutation and drives it to a terminal state
// (confirmed or failed) before returning.
type Work func(ctx context.Context) (common.Hash, error)

type outcome struct {
	hash common.Hash
	err  error
}

type task struct {
	ctx    context.Context
	run    Work
	result chan outcome
}

// Sequencer serializes ledger submissions per signing identity. Transactions
// from one identity consume an incrementing nonce, so work for the same
// address is dispatched strictly FIFO and one at a time; distinct addresses
// proceed in parallel.
type Sequencer struct {
	mu     sync.Mutex
	lanes  map[common.Address]chan task
	closed bool
	wg     sync.WaitGroup
}

// NewSequencer constructs an empty sequencer. Lanes are created on first use.
func NewSequencer() *Sequencer {
	return &Sequencer{lanes: make(map[common.Address]chan task)}
}

// Do enqueues work for the signer's address and blocks until it reaches a
// terminal state. Requests for the same address are executed in enqueue
// order; the next one does not begin until the previous returned.
func (s *Sequencer) Do(ctx context.Context, addr common.Address, work Work) (common.Hash, error) {
	lane, err := s.laneFor(addr)
	if err != nil {
		return common.Hash{}, err
	}
	t := task{ctx: ctx, run: work, result: make(chan outcome, 1)}
	select {
	case lane <- t:
	case <-ctx.Done():
		return common.Hash{}, ctx.Err()
	}
	out := <-t.result
	return out.hash, out.err
}

func (s *Sequencer) laneFor(addr common.Address) (chan task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSequencerClosed
	}
	lane, ok := s.lanes[addr]
	if !ok {
		lane = make(chan task, 64)
		s.lanes[addr] = lane
		s.wg.Add(1)
		go s.runLane(lane)
	}
	return lane, nil
}

func (s *Sequencer) runLane(lane chan task) {
	defer s.wg.Done()
	for t := range lane {
		if err := t.ctx.Err(); err != nil {
			t.result <- outcome{err: err}
			continue
		}
		hash, err := t.run(t.ctx)
		t.result <- outcome{hash: hash, err: err}
	}
}

// Close stops accepting new work and waits for queued work to drain.
func (s *Sequencer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, lane := range s.lanes {
		close(lane)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
