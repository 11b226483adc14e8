package model

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// Fingerprint returns a stable content hash of a run's identity-relevant
// fields: script path, canonicalized sweep overrides, and args. Resume
// matching compares fingerprints so that a completed entry in a state file is
// only trusted when the definition's run at that index still means the same
// thing. Description is deliberately excluded (display-only).
func Fingerprint(run RunSpec) string {
	sweep, err := MarshalSweep(run.SweepOverrides)
	if err != nil {
		// Unmarshalable sweep values cannot come from a JSON queue file;
		// fall back to a marker that never matches a real fingerprint.
		sweep = fmt.Sprintf("!unhashable:%v", err)
	}
	var sb strings.Builder
	sb.WriteString(run.Script)
	sb.WriteByte(0)
	sb.WriteString(sweep)
	sb.WriteByte(0)
	sb.WriteString(strings.Join(run.Args, "\x00"))

	h := sha256.Sum256([]byte(sb.String()))
	return fmt.Sprintf("%x", h[:8])
}
