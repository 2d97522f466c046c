package retransmit

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/norasector/satlink/pkg/image"
)

const (
	CommandName = "RETRANSMIT"

	// bytesPerIndex is a conservative estimate: separator plus up to four digits.
	bytesPerIndex = 5
)

// BuildCommands splits missing into RETRANSMIT commands of at most budget
// bytes each, trailing newline included. A command holding a single index is
// emitted even when the filename alone overruns the budget.
func BuildCommands(filename string, missing []int, budget int) []string {
	if len(missing) == 0 {
		return nil
	}

	prefix := CommandName + " " + filename
	perCommand := (budget - len(prefix) - 1) / bytesPerIndex
	if perCommand < 1 {
		perCommand = 1
	}

	var cmds []string
	for i := 0; i < len(missing); {
		n := perCommand
		if rest := len(missing) - i; n > rest {
			n = rest
		}
		cmd := format(prefix, missing[i:i+n])
		for len(cmd) > budget && n > 1 {
			n /= 2
			cmd = format(prefix, missing[i:i+n])
		}
		cmds = append(cmds, cmd)
		i += n
	}
	return cmds
}

func format(prefix string, indices []int) string {
	var sb strings.Builder
	sb.Grow(len(prefix) + len(indices)*bytesPerIndex + 1)
	sb.WriteString(prefix)
	for _, idx := range indices {
		sb.WriteByte(' ')
		sb.WriteString(strconv.Itoa(idx))
	}
	sb.WriteByte('\n')
	return sb.String()
}

// Summarize renders indices as compact ranges, e.g. "0-3,7,9-10".
func Summarize(indices []int) string {
	if len(indices) == 0 {
		return "none"
	}
	var parts []string
	start, prev := indices[0], indices[0]
	flush := func() {
		if start == prev {
			parts = append(parts, strconv.Itoa(start))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", start, prev))
		}
	}
	for _, idx := range indices[1:] {
		if idx == prev+1 {
			prev = idx
			continue
		}
		flush()
		start, prev = idx, idx
	}
	flush()
	return strings.Join(parts, ",")
}

// Missing lists the chunk indices rec still lacks, ascending.
func Missing(rec *image.Reception) []int {
	return rec.Missing()
}
