// Package incremental decides which inputs need reprocessing and remembers
// what each stage produced for them.
package incremental

import (
	"os"
	"time"
)

// Tracker compares input and output modification times.
//
// Detection is timestamp only. Clock skew between the source and destination
// filesystems, or an overwrite that keeps the previous timestamp, goes unnoticed.
type Tracker struct {
	stat func(string) (os.FileInfo, error)
}

// NewTracker returns a tracker reading the local filesystem.
func NewTracker() *Tracker {
	return &Tracker{stat: os.Stat}
}

// IsUnchanged reports true only when output exists and is not older than input.
func (t *Tracker) IsUnchanged(input, output string) bool {
	out, err := t.stat(output)
	if err != nil || out.IsDir() {
		return false
	}
	in, err := t.stat(input)
	if err != nil {
		return false
	}
	return !out.ModTime().Before(in.ModTime())
}

// ModTime returns the modification time of name.
func (t *Tracker) ModTime(name string) (time.Time, error) {
	info, err := t.stat(name)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}
