package p2p

import (
	"github.com/libp2p/go-libp2p/core/protocol"
)

// GossipSub topic names, one per message kind in the gossip family
// (spec: NewPeak, NewSignagePoint, NewUnfinishedBlock, NewTransaction).
const (
	TopicNewPeak            = "/klingnet/new_peak/1.0.0"
	TopicNewSignagePoint    = "/klingnet/new_signage_point/1.0.0"
	TopicNewUnfinishedBlock = "/klingnet/new_unfinished_block/1.0.0"
	TopicNewTransaction     = "/klingnet/new_transaction/1.0.0"
)

// Handshake protocol constants.
const (
	// HandshakeProtocol is the stream protocol ID for peer compatibility checking.
	HandshakeProtocol = protocol.ID("/klingnet/handshake/1.0.0")

	// ProtocolVersion is the current protocol version advertised during handshake.
	ProtocolVersion uint32 = 1

	// MinProtocolVersion is the minimum protocol version we accept from peers.
	MinProtocolVersion uint32 = 1
)

// Block-range and peak-query protocol IDs used by the sync engine.
const (
	// BlockRangeProtocol requests a contiguous run of blocks by height.
	BlockRangeProtocol = protocol.ID("/klingnet/block_range/1.0.0")

	// PeakProtocol queries a peer's current peak height and hash.
	PeakProtocol = protocol.ID("/klingnet/peak/1.0.0")

	// WeightProofProtocol requests a sub-epoch weight proof up to a peak.
	WeightProofProtocol = protocol.ID("/klingnet/weight_proof/1.0.0")

	// BundleFetchProtocol requests the full spend bundle behind a
	// new_transaction gossip announcement, by bundle name.
	BundleFetchProtocol = protocol.ID("/klingnet/bundle_fetch/1.0.0")
)

// MessageKind identifies a gossip message's payload type. Variants are
// closed per protocol version and negotiated at handshake.
type MessageKind uint8

const (
	MsgNewPeak MessageKind = iota + 1
	MsgNewSignagePoint
	MsgNewUnfinishedBlock
	MsgNewTransaction
)
