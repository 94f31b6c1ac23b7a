package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/klingnet-network/klingnet/pkg/types"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	// bundleReadTimeout is the max time to read a bundle-fetch response.
	bundleReadTimeout = 10 * time.Second

	// maxBundleResponseBytes limits bundle-fetch response size (1 MB);
	// a single spend bundle's serialized puzzles and solutions are
	// expected to stay well under this.
	maxBundleResponseBytes = 1024 * 1024
)

// BundleRequest asks a peer for a spend bundle it announced by name.
type BundleRequest struct {
	Name types.Hash `json:"name"`
}

// BundleResponse carries the requested bundle, or Found=false if the peer
// no longer has it (evicted from its mempool between announce and fetch).
type BundleResponse struct {
	Found  bool               `json:"found"`
	Bundle *types.SpendBundle `json:"bundle,omitempty"`
}

// RegisterBundleHandler registers the spend-bundle-fetch stream handler on
// the host. get looks a bundle up by the name a peer announced over the
// new_transaction gossip topic.
func (s *Syncer) RegisterBundleHandler(get func(name types.Hash) (types.SpendBundle, bool)) {
	s.host.SetStreamHandler(BundleFetchProtocol, func(stream network.Stream) {
		defer stream.Close()

		var req BundleRequest
		if err := json.NewDecoder(io.LimitReader(stream, maxBundleResponseBytes)).Decode(&req); err != nil {
			return
		}

		var resp BundleResponse
		if bundle, ok := get(req.Name); ok {
			resp.Found = true
			resp.Bundle = &bundle
		}
		json.NewEncoder(stream).Encode(&resp)
	})
}

// RequestBundle fetches a spend bundle a peer announced by name.
func (s *Syncer) RequestBundle(ctx context.Context, peerID peer.ID, name types.Hash) (types.SpendBundle, bool, error) {
	stream, err := s.host.NewStream(ctx, peerID, BundleFetchProtocol)
	if err != nil {
		return types.SpendBundle{}, false, fmt.Errorf("open bundle-fetch stream: %w", err)
	}
	defer stream.Close()

	req := BundleRequest{Name: name}
	if err := json.NewEncoder(stream).Encode(&req); err != nil {
		return types.SpendBundle{}, false, fmt.Errorf("send bundle-fetch request: %w", err)
	}
	stream.CloseWrite()

	_ = stream.SetReadDeadline(time.Now().Add(bundleReadTimeout))

	var resp BundleResponse
	if err := json.NewDecoder(io.LimitReader(stream, maxBundleResponseBytes)).Decode(&resp); err != nil {
		return types.SpendBundle{}, false, fmt.Errorf("read bundle-fetch response: %w", err)
	}
	if !resp.Found || resp.Bundle == nil {
		return types.SpendBundle{}, false, nil
	}
	return *resp.Bundle, true, nil
}
