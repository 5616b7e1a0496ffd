package megaservice

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"strings"
)

const doneEvent = "data: [DONE]\n\n"

// sentenceEnds flush the buffered stream to the downstream node
var sentenceEnds = []string{".", "?", "!", "。", "，", "！"}

var tokenPattern = regexp.MustCompile(`\s?\S+\s?`)

// ExtractChunkStr strips the SSE framing around a python bytes literal chunk
func ExtractChunkStr(chunk string) string {
	if chunk == doneEvent {
		return ""
	}
	if strings.HasPrefix(chunk, "data: b'") || strings.HasPrefix(chunk, `data: b"`) {
		chunk = chunk[len("data: b'"):]
	}
	if strings.HasSuffix(chunk, "'\n\n") || strings.HasSuffix(chunk, "\"\n\n") {
		chunk = chunk[:len(chunk)-len("'\n\n")]
	}
	return chunk
}

// TokenEvents splits sentence into word tokens, each framed as an SSE event holding a
// bytes literal. A final done event is appended when last is set.
func TokenEvents(sentence string, last bool) []string {
	var events []string
	for _, token := range tokenPattern.FindAllString(sentence, -1) {
		token = strings.ReplaceAll(token, `\n`, "\n")
		events = append(events, "data: "+bytesLiteral(token)+"\n\n")
	}
	if last {
		events = append(events, doneEvent)
	}
	return events
}

// textEvents is the two event stream used when a blacklist leaves a node without downstreams
func textEvents(text string) string {
	return "data: b'" + text + "'\n\n" + doneEvent
}

func endsSentence(s string) bool {
	for _, end := range sentenceEnds {
		if strings.HasSuffix(s, end) {
			return true
		}
	}
	return false
}

// bytesLiteral renders s the way python prints a bytes value, e.g. b'caf\xc3\xa9'
func bytesLiteral(s string) string {
	quote := byte('\'')
	if strings.ContainsRune(s, '\'') && !strings.ContainsRune(s, '"') {
		quote = '"'
	}

	var b strings.Builder
	b.WriteByte('b')
	b.WriteByte(quote)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == quote || c == '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		case c == '\t':
			b.WriteString(`\t`)
		case c == '\n':
			b.WriteString(`\n`)
		case c == '\r':
			b.WriteString(`\r`)
		case c < 0x20 || c >= 0x7f:
			fmt.Fprintf(&b, `\x%02x`, c)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte(quote)
	return b.String()
}

// scanEvents splits an SSE body into events, each keeping its trailing blank line
func scanEvents(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.Index(data, []byte("\n\n")); i >= 0 {
		return i + 2, data[:i+2], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

var _ bufio.SplitFunc = scanEvents
