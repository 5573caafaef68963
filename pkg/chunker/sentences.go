package chunker

import (
	"regexp"
	"strings"
	"unicode"
)

var tableDelimRe = regexp.MustCompile(`^\s*\|?\s*:?-{3,}:?\s*(\|\s*:?-{3,}:?\s*)+\|?\s*$`)

func isTableRow(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	return strings.Contains(trimmed, "|")
}

func endsSentence(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasSuffix(s, ".") || strings.HasSuffix(s, "!") || strings.HasSuffix(s, "?")
}

// sentenceBuffer collects sentences while lines are consumed.
type sentenceBuffer struct {
	out     []string
	current strings.Builder
}

// flush emits the pending text as one sentence.
func (b *sentenceBuffer) flush() {
	if text := strings.TrimSpace(b.current.String()); text != "" {
		b.out = append(b.out, text)
	}
	b.current.Reset()
}

// addProse appends a non-empty prose line, emitting every completed sentence.
func (b *sentenceBuffer) addProse(line string) {
	for _, sentence := range splitLineIntoSentences(line) {
		if b.current.Len() > 0 {
			b.current.WriteString(" ")
		}
		b.current.WriteString(sentence)
		if endsSentence(sentence) {
			b.flush()
		}
	}
}

// splitIntoSentences splits text into sentences. A markdown table (header row
// followed by a delimiter row) stays in one piece, a lone table row is its own
// sentence, and prose lines are joined until a sentence ends or a blank line
// follows.
func splitIntoSentences(text string) []string {
	lines := strings.Split(text, "\n")
	var buf sentenceBuffer
	inTable := false

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)

		switch {
		case inTable && isTableRow(line):
			buf.current.WriteString("\n")
			buf.current.WriteString(line)

		case inTable:
			inTable = false
			buf.flush()
			if trimmed != "" {
				buf.addProse(trimmed)
			}

		case isTableRow(line) && i+1 < len(lines) && tableDelimRe.MatchString(strings.TrimSpace(lines[i+1])):
			buf.flush()
			inTable = true
			buf.current.WriteString(line)

		case isTableRow(line):
			buf.flush()
			buf.out = append(buf.out, trimmed)

		case trimmed == "":
			buf.flush()

		default:
			buf.addProse(trimmed)
		}
	}
	buf.flush()

	return buf.out
}

const (
	terminators = ".!?"
	closers     = "\"')]}"
)

// splitLineIntoSentences splits one line after sentence terminators. Runs of
// terminators and trailing quotes or brackets stay with their sentence. A
// digit followed by a period and a space ("1. ") is a list marker, not an end.
func splitLineIntoSentences(line string) []string {
	var sentences []string
	var current strings.Builder

	emit := func() {
		if sentence := strings.TrimSpace(current.String()); sentence != "" {
			sentences = append(sentences, sentence)
		}
		current.Reset()
	}

	for i := 0; i < len(line); i++ {
		current.WriteByte(line[i])
		if !strings.ContainsRune(terminators, rune(line[i])) {
			continue
		}
		if i > 0 && unicode.IsDigit(rune(line[i-1])) && i+1 < len(line) && line[i+1] == ' ' {
			continue
		}

		j := i + 1
		for j < len(line) && strings.ContainsRune(terminators, rune(line[j])) {
			current.WriteByte(line[j])
			j++
		}
		for j < len(line) && strings.ContainsRune(closers, rune(line[j])) {
			current.WriteByte(line[j])
			j++
		}
		emit()
		i = j - 1
	}
	emit()

	return sentences
}
