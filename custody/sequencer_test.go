package custody

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestSequencerFIFOPerAddress(t *testing.T) {
	seq := NewSequencer()
	defer seq.Close()

	addr := common.HexToAddress("0xaa")
	var (
		mu    sync.Mutex
		order []int
	)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		ready := make(chan struct{})
		go func() {
			defer wg.Done()
			close(ready)
			<-start
			// Stagger enqueue so submission order is deterministic.
			time.Sleep(time.Duration(i) * 10 * time.Millisecond)
			_, err := seq.Do(context.Background(), addr, func(context.Context) (common.Hash, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return common.Hash{}, nil
			})
			if err != nil {
				t.Errorf("do: %v", err)
			}
		}()
		<-ready
	}
	close(start)
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("execution order %v is not FIFO", order)
		}
	}
}

func TestSequencerSerializesSameAddress(t *testing.T) {
	seq := NewSequencer()
	defer seq.Close()

	addr := common.HexToAddress("0xbb")
	var (
		mu      sync.Mutex
		active  int
		maxSeen int
	)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq.Do(context.Background(), addr, func(context.Context) (common.Hash, error) {
				mu.Lock()
				active++
				if active > maxSeen {
					maxSeen = active
				}
				mu.Unlock()
				time.Sleep(5 * time.Millisecond)
				mu.Lock()
				active--
				mu.Unlock()
				return common.Hash{}, nil
			})
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Fatalf("saw %d concurrent tasks on one address, want 1", maxSeen)
	}
}

func TestSequencerParallelAcrossAddresses(t *testing.T) {
	seq := NewSequencer()
	defer seq.Close()

	block := make(chan struct{})
	done := make(chan struct{})
	go func() {
		seq.Do(context.Background(), common.HexToAddress("0x01"), func(context.Context) (common.Hash, error) {
			<-block
			return common.Hash{}, nil
		})
		close(done)
	}()

	// A second address must not wait behind the blocked lane.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := seq.Do(ctx, common.HexToAddress("0x02"), func(context.Context) (common.Hash, error) {
		return common.Hash{}, nil
	}); err != nil {
		t.Fatalf("second lane blocked: %v", err)
	}

	close(block)
	<-done
}

func TestSequencerSkipsCancelledQueuedWork(t *testing.T) {
	seq := NewSequencer()
	defer seq.Close()

	addr := common.HexToAddress("0xcc")
	release := make(chan struct{})
	first := make(chan struct{})
	go func() {
		seq.Do(context.Background(), addr, func(context.Context) (common.Hash, error) {
			close(first)
			<-release
			return common.Hash{}, nil
		})
	}()
	<-first

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := seq.Do(ctx, addr, func(context.Context) (common.Hash, error) {
			t.Error("cancelled work must not run")
			return common.Hash{}, nil
		})
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	close(release)

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestSequencerClosedRejectsWork(t *testing.T) {
	seq := NewSequencer()
	seq.Close()

	_, err := seq.Do(context.Background(), common.HexToAddress("0xdd"), func(context.Context) (common.Hash, error) {
		return common.Hash{}, nil
	})
	if !errors.Is(err, ErrSequencerClosed) {
		t.Fatalf("err = %v, want ErrSequencerClosed", err)
	}
}

func TestSequencerPropagatesWorkError(t *testing.T) {
	seq := NewSequencer()
	defer seq.Close()

	boom := errors.New("boom")
	hash, err := seq.Do(context.Background(), common.HexToAddress("0xee"), func(context.Context) (common.Hash, error) {
		return common.HexToHash("0xbeef"), boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if hash != common.HexToHash("0xbeef") {
		t.Fatalf("hash = %s, want 0xbeef", hash.Hex())
	}
}
