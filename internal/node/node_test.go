package node

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/klingnet-network/klingnet/config"
	"github.com/klingnet-network/klingnet/pkg/block"
	"github.com/klingnet-network/klingnet/pkg/types"
)

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	tests := []struct {
		input, want string
	}{
		{"~/foo/bar", filepath.Join(home, "foo/bar")},
		{"~/.klingnet/key", filepath.Join(home, ".klingnet/key")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"", ""},
	}
	for _, tt := range tests {
		got := expandHome(tt.input)
		if got != tt.want {
			t.Errorf("expandHome(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestDefaultVerifiers_RejectEverything(t *testing.T) {
	v := defaultVerifiers()
	if _, err := v.PoSpace.Verify(block.ProofOfSpace{}, types.Hash{}, 0); err == nil {
		t.Error("expected placeholder PoSpace verifier to reject")
	}
	if ok, err := v.VDF.Verify(block.VDFInfo{}); ok || err == nil {
		t.Error("expected placeholder VDF verifier to reject")
	}
	if _, err := v.Program.RunBlockProgram(nil, nil, 1000); err == nil {
		t.Error("expected placeholder block evaluator to reject")
	}
}

func TestDefaultSpendEvaluator_Rejects(t *testing.T) {
	e := defaultSpendEvaluator()
	if _, err := e.Run(nil, nil, 1000); err == nil {
		t.Error("expected placeholder spend evaluator to reject")
	}
}

func TestFormatWeight(t *testing.T) {
	tests := []struct {
		w    uint64
		want string
	}{
		{500, "500"},
		{1_500, "1.50K"},
		{2_500_000, "2.50M"},
		{3_500_000_000, "3.50G"},
		{4_500_000_000_000, "4.50T"},
	}
	for _, tt := range tests {
		if got := formatWeight(tt.w); got != tt.want {
			t.Errorf("formatWeight(%d) = %q, want %q", tt.w, got, tt.want)
		}
	}
}

func TestNew_InitializesGenesisOnFreshDataDir(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := config.Default(config.Testnet)
	cfg.DataDir = tmpDir
	cfg.P2P.Enabled = false
	cfg.Log.File = filepath.Join(tmpDir, "klingnet.log")

	n, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer n.Stop()

	state := n.Chain().State()
	if state.Height != 0 {
		t.Errorf("expected fresh chain at height 0, got %d", state.Height)
	}
	if state.PeakHash.IsZero() {
		t.Error("expected genesis to set a non-zero peak hash")
	}
	if n.Mempool() == nil {
		t.Error("expected a constructed mempool")
	}
	if n.Subscriptions() == nil {
		t.Error("expected a constructed subscription service")
	}
	if n.PeerCount() != 0 {
		t.Errorf("expected no peers with p2p disabled, got %d", n.PeerCount())
	}
}

func TestNodeLifecycle_NoP2P(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	tmpDir := t.TempDir()
	cfg := config.Default(config.Testnet)
	cfg.DataDir = tmpDir
	cfg.P2P.Enabled = false
	cfg.Log.File = filepath.Join(tmpDir, "klingnet.log")

	n, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Stop should not panic or error.
	n.Stop()
}

func TestNodeLifecycle_WithP2P(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	tmpDir := t.TempDir()
	cfg := config.Default(config.Testnet)
	cfg.DataDir = tmpDir
	cfg.P2P.Port = 0 // random port to avoid conflicts
	cfg.P2P.NoDiscover = true
	cfg.P2P.Seeds = nil
	cfg.Log.File = filepath.Join(tmpDir, "klingnet.log")

	if err := config.EnsureDataDirs(cfg); err != nil {
		t.Fatalf("EnsureDataDirs: %v", err)
	}

	n, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	n.Stop()
}
