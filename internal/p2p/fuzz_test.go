package p2p

import (
	"encoding/json"
	"testing"

	"github.com/klingnet-network/klingnet/pkg/block"
)

// FuzzNewPeakUnmarshal tests that arbitrary JSON does not panic when
// unmarshaled into a NewPeakMsg.
func FuzzNewPeakUnmarshal(f *testing.F) {
	f.Add([]byte(`{"hash":"` + (block.Block{}).Hash().String() + `","height":100,"weight":"12345"}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`null`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var msg NewPeakMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		_ = msg.Hash
		_ = msg.Height
		_ = msg.Weight
	})
}

// FuzzUnfinishedBlockUnmarshal tests that arbitrary JSON does not panic
// when unmarshaled as a gossiped unfinished block message.
func FuzzUnfinishedBlockUnmarshal(f *testing.F) {
	f.Add([]byte(`{"reward_block_hash":"","foliage_hash":"","block":{"header":null}}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`{"block":null}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var msg NewUnfinishedBlockMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		msg.Block.Hash()
	})
}

// FuzzNewTransactionUnmarshal tests that arbitrary JSON does not panic when
// unmarshaled as a gossiped transaction announcement.
func FuzzNewTransactionUnmarshal(f *testing.F) {
	f.Add([]byte(`{"bundle_name":""}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`null`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var msg NewTransactionMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		_ = msg.BundleName
	})
}
