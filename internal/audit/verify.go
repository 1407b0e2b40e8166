package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// VerifyResult holds the outcome of a hash chain verification.
type VerifyResult struct {
	Valid     bool   `json:"valid"`
	Lines     int    `json:"lines"`
	Error     string `json:"error,omitempty"`
	ErrorLine int    `json:"errorLine,omitempty"`
}

// Verify reads a JSONL receipt log and validates the hash chain and the
// one-receipt-per-workflow rule. It reports the first broken line.
func Verify(path string) VerifyResult {
	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("open: %v", err)}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0
	prevHash := GenesisHash
	seen := make(map[string]int)

	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()

		var e chainEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return VerifyResult{Error: fmt.Sprintf("parse error: %v", err), ErrorLine: lineNum}
		}
		if e.PrevHash != prevHash {
			return VerifyResult{
				Error:     fmt.Sprintf("hash mismatch: expected %s, got %s", prevHash, e.PrevHash),
				ErrorLine: lineNum,
			}
		}
		if first, dup := seen[e.WorkflowID]; dup {
			return VerifyResult{
				Error:     fmt.Sprintf("workflow %s already recorded on line %d", e.WorkflowID, first),
				ErrorLine: lineNum,
			}
		}
		seen[e.WorkflowID] = lineNum
		prevHash = HashLine(line)
	}

	if err := scanner.Err(); err != nil {
		return VerifyResult{Error: fmt.Sprintf("scan: %v", err)}
	}
	return VerifyResult{Valid: true, Lines: lineNum}
}
