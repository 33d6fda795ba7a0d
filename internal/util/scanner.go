package util

import (
	"bufio"
	"io"
)

const (
	defaultScanBuf = 64 * 1024
	maxScanBuf     = 10 * 1024 * 1024
)

// LineScanner wraps bufio.Scanner with a line counter and a buffer sized for
// the long rows market-audit extracts contain.
type LineScanner struct {
	scanner *bufio.Scanner
	line    int
}

// NewLineScanner creates a LineScanner over r.
func NewLineScanner(r io.Reader) *LineScanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, defaultScanBuf), maxScanBuf)
	return &LineScanner{scanner: scanner}
}

// Scan advances to the next line.
func (ls *LineScanner) Scan() bool {
	if ls.scanner.Scan() {
		ls.line++
		return true
	}
	return false
}

// Text returns the current line's text.
func (ls *LineScanner) Text() string {
	return ls.scanner.Text()
}

// Line returns the 1-based number of the current line.
func (ls *LineScanner) Line() int {
	return ls.line
}

// Err returns any scanner errors.
func (ls *LineScanner) Err() error {
	return ls.scanner.Err()
}
