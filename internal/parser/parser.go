// Package parser extracts explicit question/answer blocks from markdown notes.
//
// A block starts with a "Q:" line and may continue with "A:" and "C:" (context)
// lines. Lines without a prefix extend the current field, and a "---" line
// closes the block.
package parser

import (
	"bufio"
	"io"
	"strings"
)

const (
	questionPrefix = "Q:"
	answerPrefix   = "A:"
	contextPrefix  = "C:"
	separator      = "---"
)

// Block is one parsed question with its answer and optional context.
type Block struct {
	Question string
	Answer   string
	Context  string
}

// Parse reads from an io.Reader and extracts all blocks.
func Parse(r io.Reader) ([]Block, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var blocks []Block
	var current Block
	var field *string // field receiving lines; nil while seeking a question
	var lines []string

	flushField := func() {
		if field != nil && len(lines) > 0 {
			*field = strings.TrimRight(strings.Join(lines, "\n"), "\n")
		}
		lines = nil
	}
	finishBlock := func() {
		flushField()
		if current.Question != "" {
			blocks = append(blocks, current)
		}
		current = Block{}
		field = nil
	}

	for scanner.Scan() {
		line := scanner.Text()

		if line == separator {
			finishBlock()
			continue
		}

		prefix, rest, ok := splitPrefix(line)
		switch {
		case ok && prefix == questionPrefix:
			finishBlock() // A new question always starts a new block
			field = &current.Question
			lines = append(lines, rest)
		case ok && field != nil:
			flushField()
			if prefix == answerPrefix {
				field = &current.Answer
			} else {
				field = &current.Context
			}
			lines = append(lines, rest)
		case field != nil:
			lines = append(lines, line)
		}
	}

	finishBlock() // Finish the very last block in the file

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return blocks, nil
}

func splitPrefix(line string) (prefix, rest string, ok bool) {
	for _, p := range []string{questionPrefix, answerPrefix, contextPrefix} {
		if after, found := strings.CutPrefix(line, p); found {
			return p, strings.TrimPrefix(after, " "), true
		}
	}
	return "", "", false
}
