// Package chunking splits parsed markdown into overlapping, section-aware
// chunks sized for embedding.
package chunking

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Config controls chunk sizes. Sizes are in characters (runes).
type Config struct {
	MaxChars     int
	OverlapChars int
}

// DefaultConfig returns roughly 500-token chunks with a 50-token overlap.
func DefaultConfig() Config {
	return Config{MaxChars: 2000, OverlapChars: 200}
}

// Chunk is one piece of a document.
type Chunk struct {
	Index         int
	Content       string
	SectionTitle  string
	ContentHash   string
	TokenEstimate int
}

type section struct {
	title string
	body  string
}

// Chunker splits markdown.
type Chunker struct {
	cfg Config
}

// New creates a Chunker. Invalid sizes fall back to the defaults.
func New(cfg Config) *Chunker {
	def := DefaultConfig()
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = def.MaxChars
	}
	if cfg.OverlapChars < 0 || cfg.OverlapChars >= cfg.MaxChars {
		cfg.OverlapChars = cfg.MaxChars / 10
	}
	return &Chunker{cfg: cfg}
}

// Split returns the chunks of markdown in document order. The same input
// always yields the same chunks.
func (c *Chunker) Split(markdown string) []Chunk {
	var out []Chunk
	for _, sec := range splitSections(markdown) {
		for _, content := range c.packParagraphs(sec.body) {
			out = append(out, Chunk{
				Index:         len(out),
				Content:       content,
				SectionTitle:  sec.title,
				ContentHash:   ContentHash(content),
				TokenEstimate: EstimateTokens(content),
			})
		}
	}
	return out
}

// splitSections breaks markdown at ATX headers. The header line stays at the
// top of its section so each chunk keeps its heading context.
func splitSections(markdown string) []section {
	markdown = strings.ReplaceAll(markdown, "\r\n", "\n")

	var sections []section
	var cur section
	var b strings.Builder
	inFence := false

	flush := func() {
		cur.body = strings.TrimSpace(b.String())
		if cur.body != "" {
			sections = append(sections, cur)
		}
		b.Reset()
	}

	for _, line := range strings.Split(markdown, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
		}
		if !inFence {
			if title, ok := headerTitle(trimmed); ok {
				flush()
				cur = section{title: title}
			}
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	flush()
	return sections
}

func headerTitle(line string) (string, bool) {
	level := 0
	for level < len(line) && line[level] == '#' {
		level++
	}
	if level == 0 || level > 6 || level == len(line) || line[level] != ' ' {
		return "", false
	}
	return strings.TrimSpace(strings.TrimRight(line[level:], "#")), true
}

// packParagraphs greedily joins paragraphs up to MaxChars, carrying the tail
// of the previous chunk into the next one.
func (c *Chunker) packParagraphs(body string) []string {
	var pieces []string
	for _, p := range strings.Split(body, "\n\n") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		pieces = append(pieces, c.hardSplit(p)...)
	}

	var chunks []string
	var cur strings.Builder
	curLen := 0

	for _, p := range pieces {
		pLen := utf8.RuneCountInString(p)
		if curLen > 0 && curLen+2+pLen > c.cfg.MaxChars {
			prev := cur.String()
			chunks = append(chunks, prev)
			cur.Reset()
			curLen = 0

			if tail := overlapTail(prev, c.cfg.OverlapChars); tail != "" && utf8.RuneCountInString(tail)+2+pLen <= c.cfg.MaxChars {
				cur.WriteString(tail)
				curLen = utf8.RuneCountInString(tail)
			}
		}
		if curLen > 0 {
			cur.WriteString("\n\n")
			curLen += 2
		}
		cur.WriteString(p)
		curLen += pLen
	}
	if curLen > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}

// hardSplit cuts a paragraph longer than MaxChars at word boundaries.
func (c *Chunker) hardSplit(p string) []string {
	if utf8.RuneCountInString(p) <= c.cfg.MaxChars {
		return []string{p}
	}

	var parts []string
	runes := []rune(p)
	for len(runes) > c.cfg.MaxChars {
		cut := c.cfg.MaxChars
		for i := cut; i > c.cfg.MaxChars/2; i-- {
			if unicode.IsSpace(runes[i]) {
				cut = i
				break
			}
		}
		parts = append(parts, strings.TrimSpace(string(runes[:cut])))
		runes = []rune(strings.TrimLeftFunc(string(runes[cut:]), unicode.IsSpace))
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}

// overlapTail returns at most n trailing runes of s, starting on a word.
func overlapTail(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return ""
	}
	tail := runes[len(runes)-n:]
	for i, r := range tail {
		if unicode.IsSpace(r) {
			return strings.TrimSpace(string(tail[i:]))
		}
	}
	return strings.TrimSpace(string(tail))
}

// ContentHash is the hex sha256 of s.
func ContentHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// EstimateTokens approximates the token count as one token per four characters.
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}
