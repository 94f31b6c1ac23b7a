package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/klingnet-network/klingnet/pkg/block"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	// syncReadTimeout is the max time to read a block-range response.
	syncReadTimeout = 30 * time.Second

	// maxSyncResponseBytes limits block-range response size (10 MB).
	maxSyncResponseBytes = 10 * 1024 * 1024
)

// BlockRangeRequest asks a peer for blocks starting at a given height.
type BlockRangeRequest struct {
	FromHeight uint64 `json:"from_height"`
	MaxBlocks  uint32 `json:"max_blocks"`
}

// BlockRangeResponse contains blocks returned by a peer.
type BlockRangeResponse struct {
	Blocks []*block.Block `json:"blocks"`
}

// Syncer is the transport layer the sync engine uses to request blocks and
// peak/height information from peers over dedicated libp2p streams.
type Syncer struct {
	node *Node
	host host.Host

	// BlockHandler processes blocks received during sync.
	BlockHandler func(*block.Block) error
}

// NewSyncer creates a new chain syncer attached to the given node.
func NewSyncer(node *Node) *Syncer {
	return &Syncer{
		node: node,
		host: node.host,
	}
}

// RegisterHandler registers the block-range stream handler on the host.
// The provider function returns blocks for a given height range.
func (s *Syncer) RegisterHandler(provider func(fromHeight uint64, max uint32) []*block.Block) {
	s.host.SetStreamHandler(BlockRangeProtocol, func(stream network.Stream) {
		defer stream.Close()

		var req BlockRangeRequest
		if err := json.NewDecoder(io.LimitReader(stream, maxSyncResponseBytes)).Decode(&req); err != nil {
			return
		}

		if req.MaxBlocks == 0 || req.MaxBlocks > 500 {
			req.MaxBlocks = 500
		}

		blocks := provider(req.FromHeight, req.MaxBlocks)
		resp := BlockRangeResponse{Blocks: blocks}
		json.NewEncoder(stream).Encode(&resp)
	})
}

// RequestBlocks asks a specific peer for blocks starting at fromHeight.
func (s *Syncer) RequestBlocks(ctx context.Context, peerID peer.ID, fromHeight uint64, maxBlocks uint32) ([]*block.Block, error) {
	stream, err := s.host.NewStream(ctx, peerID, BlockRangeProtocol)
	if err != nil {
		return nil, fmt.Errorf("open block-range stream: %w", err)
	}
	defer stream.Close()

	req := BlockRangeRequest{FromHeight: fromHeight, MaxBlocks: maxBlocks}
	if err := json.NewEncoder(stream).Encode(&req); err != nil {
		return nil, fmt.Errorf("send block-range request: %w", err)
	}

	// Signal we're done writing.
	stream.CloseWrite()

	_ = stream.SetReadDeadline(time.Now().Add(syncReadTimeout))

	var resp BlockRangeResponse
	if err := json.NewDecoder(io.LimitReader(stream, maxSyncResponseBytes)).Decode(&resp); err != nil {
		return nil, fmt.Errorf("read block-range response: %w", err)
	}

	return resp.Blocks, nil
}
