package faults

import (
	"regexp"
	"strconv"
	"strings"
)

// Filter rewrites a backtrace frame.
type Filter func(frame string) string

// Silencer reports whether a frame is dropped from the application trace.
type Silencer func(frame string) bool

// BacktraceCleaner turns a full backtrace into the application trace:
// every filter is applied to each frame, then silenced frames are removed.
type BacktraceCleaner struct {
	filters   []Filter
	silencers []Silencer
}

// NewBacktraceCleaner returns a cleaner without filters or silencers.
func NewBacktraceCleaner() *BacktraceCleaner {
	return &BacktraceCleaner{}
}

// AddFilter appends a filter.
func (bc *BacktraceCleaner) AddFilter(f Filter) *BacktraceCleaner {
	bc.filters = append(bc.filters, f)
	return bc
}

// AddSilencer appends a silencer.
func (bc *BacktraceCleaner) AddSilencer(s Silencer) *BacktraceCleaner {
	bc.silencers = append(bc.silencers, s)
	return bc
}

// Clean returns the filtered, unsilenced frames in their original order.
func (bc *BacktraceCleaner) Clean(frames []string) []string {
	out := make([]string, 0, len(frames))
	for _, frame := range frames {
		for _, f := range bc.filters {
			frame = f(frame)
		}
		if bc.silenced(frame) {
			continue
		}
		out = append(out, frame)
	}
	return out
}

func (bc *BacktraceCleaner) silenced(frame string) bool {
	for _, s := range bc.silencers {
		if s(frame) {
			return true
		}
	}
	return false
}

// RootFilter strips the application root from frames.
func RootFilter(root string) Filter {
	root = strings.TrimSuffix(root, "/")
	return func(frame string) string {
		if root == "" {
			return frame
		}
		return strings.ReplaceAll(frame, root, "")
	}
}

// PatternSilencer silences frames matching re.
func PatternSilencer(re *regexp.Regexp) Silencer {
	return re.MatchString
}

// NewCleaner builds the cleaner used for faults: the application root is
// stripped and frames matching any of the patterns are silenced.
func NewCleaner(appRoot string, silencePatterns []string) (*BacktraceCleaner, error) {
	bc := NewBacktraceCleaner().AddFilter(RootFilter(appRoot))
	for _, p := range silencePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		bc.AddSilencer(PatternSilencer(re))
	}
	return bc, nil
}

// ParseFrame splits a "file:line[:in function]" frame. The line is 0 when
// it cannot be parsed.
func ParseFrame(frame string) (path string, line int) {
	parts := strings.SplitN(frame, ":", 3)
	path = parts[0]
	if len(parts) > 1 {
		line, _ = strconv.Atoi(strings.TrimSpace(parts[1]))
	}
	return path, line
}
