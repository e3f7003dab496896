package agent

import (
	"regexp"
	"strings"
)

// CodeBlock is one fenced block from an answer.
type CodeBlock struct {
	Language string
	Code     string
}

var fencePattern = regexp.MustCompile("(?s)```([\\w+#.-]*)[^\\n]*\\n(.*?)```")

// ExtractCodeBlocks returns the fenced code blocks in text, in order.
func ExtractCodeBlocks(text string) []CodeBlock {
	matches := fencePattern.FindAllStringSubmatch(text, -1)
	blocks := make([]CodeBlock, 0, len(matches))
	for _, m := range matches {
		blocks = append(blocks, CodeBlock{
			Language: strings.ToLower(m[1]),
			Code:     strings.TrimRight(m[2], "\n"),
		})
	}
	return blocks
}
