package node

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klingnet-network/klingnet/internal/validator"
	"github.com/klingnet-network/klingnet/pkg/block"
	"github.com/klingnet-network/klingnet/pkg/program"
	"github.com/klingnet-network/klingnet/pkg/types"
)

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// unavailablePoSpaceVerifier and unavailableVDFVerifier back
// validator.Verifiers when no out-of-process harvester or timelord
// client has been configured. They reject every proof outright rather
// than silently accepting, so a misconfigured node fails validation
// loudly instead of forging trust in unchecked proofs.
//
// TODO: replace with real harvester/timelord RPC clients once that
// out-of-process wire protocol exists; the core only ever calls these
// interfaces, it never implements proving itself.
type unavailablePoSpaceVerifier struct{}

func (unavailablePoSpaceVerifier) Verify(pos block.ProofOfSpace, challenge types.Hash, signagePointIndex uint8) ([]byte, error) {
	return nil, fmt.Errorf("no proof-of-space verifier configured")
}

type unavailableVDFVerifier struct{}

func (unavailableVDFVerifier) Verify(info block.VDFInfo) (bool, error) {
	return false, fmt.Errorf("no VDF verifier configured")
}

// unavailableEvaluator backs program.BlockEvaluator the same way: the
// puzzle/script evaluator is an out-of-process collaborator per the
// core's contract, not something this package implements.
type unavailableEvaluator struct{}

func (unavailableEvaluator) RunBlockProgram(generator []byte, refList []types.Hash, costLimit uint64) (program.BlockProgramResult, error) {
	return program.BlockProgramResult{}, fmt.Errorf("no block program evaluator configured")
}

// defaultVerifiers returns the placeholder collaborators described
// above, consistently rejecting until real ones are wired in by the
// embedding binary (see Node's WithVerifiers option).
func defaultVerifiers() validator.Verifiers {
	return validator.Verifiers{
		PoSpace: unavailablePoSpaceVerifier{},
		VDF:     unavailableVDFVerifier{},
		Program: unavailableEvaluator{},
	}
}

// unavailableSpendEvaluator backs program.Evaluator for the mempool's
// per-spend admission checks, the same placeholder story as
// unavailableEvaluator but for the single-coin-spend interface the pool
// calls rather than the whole-block one the chain calls.
type unavailableSpendEvaluator struct{}

func (unavailableSpendEvaluator) Run(puzzleReveal, solution []byte, costLimit uint64) (program.Result, error) {
	return program.Result{}, fmt.Errorf("no spend evaluator configured")
}

// defaultSpendEvaluator returns the mempool's placeholder per-spend
// evaluator, rejecting every spend until a real one is wired in.
func defaultSpendEvaluator() program.Evaluator {
	return unavailableSpendEvaluator{}
}

// formatWeight renders a chain weight for log lines the way the
// teacher rendered difficulty: compact with a magnitude suffix.
func formatWeight(w uint64) string {
	switch {
	case w >= 1_000_000_000_000:
		return fmt.Sprintf("%.2fT", float64(w)/1_000_000_000_000)
	case w >= 1_000_000_000:
		return fmt.Sprintf("%.2fG", float64(w)/1_000_000_000)
	case w >= 1_000_000:
		return fmt.Sprintf("%.2fM", float64(w)/1_000_000)
	case w >= 1_000:
		return fmt.Sprintf("%.2fK", float64(w)/1_000)
	default:
		return fmt.Sprintf("%d", w)
	}
}
