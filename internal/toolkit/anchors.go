package toolkit

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
)

// Anchor ties a 1-indexed line number to its content hash.
type Anchor struct {
	Line int    `json:"line"`
	Hash string `json:"hash"`
}

// LineHash returns the first 6 hex characters of SHA-1 of the line content.
// Edits validate their anchors against this value before touching the line.
func LineHash(line string) string {
	sum := sha1.Sum([]byte(line))
	return hex.EncodeToString(sum[:])[:6]
}

// FileHash returns the full SHA-1 hex digest of the file bytes.
func FileHash(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

// splitLines breaks file bytes into lines without their terminators and
// reports whether the file ended with a newline. An empty file has zero
// lines.
func splitLines(data []byte) (lines []string, trailingNewline bool) {
	if len(data) == 0 {
		return nil, false
	}
	s := string(data)
	if strings.HasSuffix(s, "\n") {
		trailingNewline = true
		s = strings.TrimSuffix(s, "\n")
	}
	return strings.Split(s, "\n"), trailingNewline
}

// joinLines is the inverse of splitLines.
func joinLines(lines []string, trailingNewline bool) []byte {
	if len(lines) == 0 {
		return nil
	}
	s := strings.Join(lines, "\n")
	if trailingNewline {
		s += "\n"
	}
	return []byte(s)
}

// anchorWindow returns the anchors for center and its immediate neighbors,
// clamped to the file bounds. Included in anchor-mismatch reports so the
// caller can re-anchor without another read.
func anchorWindow(lines []string, center int) []Anchor {
	lo, hi := center-1, center+1
	if lo < 1 {
		lo = 1
	}
	if hi > len(lines) {
		hi = len(lines)
	}
	window := make([]Anchor, 0, 3)
	for i := lo; i <= hi; i++ {
		window = append(window, Anchor{Line: i, Hash: LineHash(lines[i-1])})
	}
	return window
}
