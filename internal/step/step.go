// Package step tracks the process-global nesting of bring-up phases
// and renders a "[current/total]" prefix for log lines. No log call in
// this module prepends that prefix; the stack only records the nesting.
//
// The stack is purely cosmetic: nothing outside this package ever
// reads it for control flow, only for a human-readable progress
// indicator.
package step

import (
	"fmt"
	"strings"
	"sync"
)

// frame is one level of phase nesting.
type frame struct {
	current int
	total   int
	name    string
}

var (
	mu       sync.Mutex
	stack    []frame
	lastLine []frame
)

// Start pushes a new phase one level deeper than the current one,
// numbered 1 of total. The Bring-up Orchestrator calls it once for its
// whole sequence of phases and advances through them with Next.
func Start(name string, total int) {
	mu.Lock()
	defer mu.Unlock()
	stack = append(stack, frame{current: 1, total: total, name: name})
}

// Next pops the current frame and pushes a sibling at current+1 with
// the same total and the given name. On an empty stack it pushes a
// lone 1/1 frame.
func Next(name string) {
	mu.Lock()
	defer mu.Unlock()
	if len(stack) == 0 {
		stack = append(stack, frame{current: 1, total: 1, name: name})
		return
	}
	top := stack[len(stack)-1]
	stack = stack[:len(stack)-1]
	stack = append(stack, frame{current: top.current + 1, total: top.total, name: name})
}

// End pops the current frame, restoring its parent.
func End() {
	mu.Lock()
	defer mu.Unlock()
	if len(stack) == 0 {
		return
	}
	stack = stack[:len(stack)-1]
}

// Prefix renders the current stack as a log-line prefix, deduplicating
// against the previously rendered stack: the deepest frame that
// differs from the last logged stack is shown with its numbers, every
// shallower frame that is unchanged is rendered as a same-width blank
// so columns stay aligned.
func Prefix() string {
	mu.Lock()
	defer mu.Unlock()

	cur := make([]frame, len(stack))
	copy(cur, stack)

	firstDiff := 0
	for firstDiff < len(cur) && firstDiff < len(lastLine) {
		if cur[firstDiff] != lastLine[firstDiff] {
			break
		}
		firstDiff++
	}

	var b strings.Builder
	for i, f := range cur {
		seg := fmt.Sprintf("[%d/%d]", f.current, f.total)
		if i < firstDiff {
			b.WriteString(strings.Repeat(" ", len(seg)))
		} else {
			b.WriteString(seg)
		}
		if i != len(cur)-1 {
			b.WriteByte(' ')
		}
	}

	lastLine = cur
	return b.String()
}

// Reset clears the stack and dedup memory. Intended for tests only.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	stack = nil
	lastLine = nil
}

// Depth reports the current nesting depth. Intended for tests and
// invariant checks (balanced Start/Next/End leaves Depth unchanged).
func Depth() int {
	mu.Lock()
	defer mu.Unlock()
	return len(stack)
}
