package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	// heightReadTimeout is the max time to read a peak response.
	heightReadTimeout = 5 * time.Second
)

// PeakResponse contains a peer's chain peak height and tip hash, hex-encoded.
type PeakResponse struct {
	Height  uint64 `json:"height"`
	TipHash string `json:"tip_hash"`
}

// RegisterHeightHandler registers a stream handler that responds with the
// local chain peak height and tip hash.
func (s *Syncer) RegisterHeightHandler(peakFn func() (uint64, string)) {
	s.host.SetStreamHandler(PeakProtocol, func(stream network.Stream) {
		defer stream.Close()

		height, tipHash := peakFn()
		resp := PeakResponse{Height: height, TipHash: tipHash}
		json.NewEncoder(stream).Encode(&resp)
	})
}

// RequestHeight queries a peer for its chain peak height and tip hash.
func (s *Syncer) RequestHeight(ctx context.Context, peerID peer.ID) (*PeakResponse, error) {
	stream, err := s.host.NewStream(ctx, peerID, PeakProtocol)
	if err != nil {
		return nil, fmt.Errorf("open peak stream: %w", err)
	}
	defer stream.Close()

	// Signal we're done writing (request is empty, just opening the stream).
	stream.CloseWrite()

	_ = stream.SetReadDeadline(time.Now().Add(heightReadTimeout))

	var resp PeakResponse
	if err := json.NewDecoder(io.LimitReader(stream, 1024)).Decode(&resp); err != nil {
		return nil, fmt.Errorf("read peak response: %w", err)
	}

	return &resp, nil
}
