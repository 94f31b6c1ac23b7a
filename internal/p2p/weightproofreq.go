package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/klingnet-network/klingnet/internal/weightproof"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	// weightProofReadTimeout is the max time to read a weight-proof response.
	weightProofReadTimeout = 30 * time.Second

	// maxWeightProofResponseBytes limits weight-proof response size (10 MB);
	// a proof's recent-header stretch and summary chain both grow with
	// chain length, bounded by the serving node's build parameters (the
	// request itself carries none).
	maxWeightProofResponseBytes = 10 * 1024 * 1024
)

// RegisterWeightProofHandler registers the weight-proof stream handler on
// the host. build assembles a proof up to the local peak, the same way
// RegisterHandler's provider answers a block-range request.
func (s *Syncer) RegisterWeightProofHandler(build func() (weightproof.Proof, error)) {
	s.host.SetStreamHandler(WeightProofProtocol, func(stream network.Stream) {
		defer stream.Close()

		// The request carries no parameters; opening the stream is the ask.
		io.Copy(io.Discard, io.LimitReader(stream, 1))

		proof, err := build()
		if err != nil {
			return
		}
		json.NewEncoder(stream).Encode(&proof)
	})
}

// RequestWeightProof fetches a weight proof from a specific peer's
// current peak, satisfying internal/sync's WeightProofTransport.
func (s *Syncer) RequestWeightProof(ctx context.Context, peerID peer.ID) (weightproof.Proof, error) {
	stream, err := s.host.NewStream(ctx, peerID, WeightProofProtocol)
	if err != nil {
		return weightproof.Proof{}, fmt.Errorf("open weight-proof stream: %w", err)
	}
	defer stream.Close()

	stream.CloseWrite()
	_ = stream.SetReadDeadline(time.Now().Add(weightProofReadTimeout))

	var proof weightproof.Proof
	if err := json.NewDecoder(io.LimitReader(stream, maxWeightProofResponseBytes)).Decode(&proof); err != nil {
		return weightproof.Proof{}, fmt.Errorf("read weight-proof response: %w", err)
	}
	return proof, nil
}
