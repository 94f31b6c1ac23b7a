package sync

import (
	"context"
	"testing"
	"time"

	chainpkg "github.com/klingnet-network/klingnet/internal/chain"
	"github.com/klingnet-network/klingnet/pkg/block"
	"github.com/klingnet-network/klingnet/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
)

type fakeChain struct {
	blocks map[uint64]*block.Block
	peak   uint64
}

func newFakeChain() *fakeChain {
	return &fakeChain{blocks: make(map[uint64]*block.Block)}
}

func (f *fakeChain) AddBlock(blk *block.Block) chainpkg.AddResult {
	if blk == nil || blk.Header == nil {
		return chainpkg.AddResult{Kind: chainpkg.AddResultInvalidBlock}
	}
	if blk.Header.Height != f.peak+1 {
		return chainpkg.AddResult{Kind: chainpkg.AddResultDisconnectedBlock}
	}
	f.blocks[blk.Header.Height] = blk
	f.peak = blk.Header.Height
	return chainpkg.AddResult{Kind: chainpkg.AddResultNewPeak}
}

func (f *fakeChain) PeakHeight() uint64 { return f.peak }

func (f *fakeChain) GenesisHash() types.Hash { return types.Hash{} }

type fakeTransport struct {
	blocks []*block.Block
}

func (f *fakeTransport) RequestBlocks(ctx context.Context, peerID peer.ID, fromHeight uint64, maxBlocks uint32) ([]*block.Block, error) {
	var out []*block.Block
	for _, b := range f.blocks {
		if b.Header.Height >= fromHeight {
			out = append(out, b)
			if uint32(len(out)) >= maxBlocks {
				break
			}
		}
	}
	return out, nil
}

func blocksUpTo(n uint64) []*block.Block {
	var out []*block.Block
	for h := uint64(1); h <= n; h++ {
		out = append(out, &block.Block{Header: &block.Header{Height: h}})
	}
	return out
}

func TestOnPeerPeak_TriggersShortSync(t *testing.T) {
	fc := newFakeChain()
	ft := &fakeTransport{blocks: blocksUpTo(5)}
	cfg := DefaultConfig()
	cfg.BatchSize = 2
	e := New(cfg, fc, ft)

	e.OnPeerPeak(context.Background(), peer.ID("p1"), 5, [32]byte{})

	deadline := time.After(2 * time.Second)
	for fc.PeakHeight() < 5 {
		select {
		case <-deadline:
			t.Fatalf("timed out, peak stuck at %d", fc.PeakHeight())
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	if e.State() != Synced {
		t.Errorf("expected Synced, got %s", e.State())
	}
}

func TestOnPeerPeak_AlreadyAtPeak(t *testing.T) {
	fc := newFakeChain()
	fc.peak = 10
	e := New(DefaultConfig(), fc, &fakeTransport{})

	e.OnPeerPeak(context.Background(), peer.ID("p1"), 10, [32]byte{})
	if e.State() != Synced {
		t.Errorf("expected Synced when already caught up, got %s", e.State())
	}
}

func TestOnPeerPeak_ChoosesLongSync(t *testing.T) {
	fc := newFakeChain()
	ft := &fakeTransport{blocks: blocksUpTo(300)}
	cfg := DefaultConfig()
	cfg.SyncBlocksBehindThreshold = 100
	cfg.LongSyncBatchSize = 50
	e := New(cfg, fc, ft)

	e.OnPeerPeak(context.Background(), peer.ID("p1"), 300, [32]byte{})

	// State flips to LongSync synchronously before the goroutine runs.
	if s := e.State(); s != LongSync {
		t.Errorf("expected LongSync immediately, got %s", s)
	}

	deadline := time.After(2 * time.Second)
	for fc.PeakHeight() < 300 {
		select {
		case <-deadline:
			t.Fatalf("timed out, peak stuck at %d", fc.PeakHeight())
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestWaitForPeak_Timeout(t *testing.T) {
	fc := newFakeChain()
	cfg := DefaultConfig()
	cfg.MaxSyncWait = 50 * time.Millisecond
	e := New(cfg, fc, &fakeTransport{})

	if e.WaitForPeak(context.Background()) {
		t.Error("expected WaitForPeak to time out with no peers")
	}
}

func TestWaitForPeak_Succeeds(t *testing.T) {
	fc := newFakeChain()
	cfg := DefaultConfig()
	cfg.MaxSyncWait = 2 * time.Second
	e := New(cfg, fc, &fakeTransport{})

	go func() {
		time.Sleep(20 * time.Millisecond)
		e.OnPeerPeak(context.Background(), peer.ID("p1"), 0, [32]byte{})
	}()

	if !e.WaitForPeak(context.Background()) {
		t.Error("expected WaitForPeak to succeed once a peer announces")
	}
}
