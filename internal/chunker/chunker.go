package chunker

import (
	"errors"
	"fmt"
	"maps"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrInvalidConfig is returned by New when the size/overlap pair cannot
// produce bounded chunks.
var ErrInvalidConfig = errors.New("invalid chunker config")

const (
	// TypeConcept marks chunks produced by boundary-aware accumulation.
	TypeConcept = "concept"
	// TypeSimple marks chunks produced by the word/character fallback.
	TypeSimple = "simple"

	segmentSep = "\n\n"
)

var (
	markerLine  = regexp.MustCompile(`^(Definition|Theorem|Example|Proof|Solution)`)
	headingLine = regexp.MustCompile(`^(#{1,6}\s|[A-Z][^.!?]*:)`)
)

// Draft is a chunk before it has an id or an embedding.
type Draft struct {
	SourceID string
	Index    int
	Content  string
	Type     string
	Metadata map[string]string
}

// Section is a named slice of a document that is chunked on its own.
type Section struct {
	Name    string
	Content string
}

// Chunker splits text into bounded, overlapping drafts. It holds no
// mutable state and is safe for concurrent use.
type Chunker struct {
	maxSize int
	overlap int
}

// New returns a Chunker. Sizes are measured in characters.
func New(maxSize, overlap int) (*Chunker, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("%w: max size must be positive, got %d", ErrInvalidConfig, maxSize)
	}
	if overlap < 0 {
		return nil, fmt.Errorf("%w: overlap must not be negative, got %d", ErrInvalidConfig, overlap)
	}
	if overlap >= maxSize {
		return nil, fmt.Errorf("%w: overlap %d must be smaller than max size %d", ErrInvalidConfig, overlap, maxSize)
	}
	return &Chunker{maxSize: maxSize, overlap: overlap}, nil
}

// MaxSize returns the configured maximum chunk length.
func (c *Chunker) MaxSize() int { return c.maxSize }

// Overlap returns the configured overlap length.
func (c *Chunker) Overlap() int { return c.overlap }

// Chunk partitions text into ordered drafts for sourceID. Whitespace-only
// input yields no drafts.
func (c *Chunker) Chunk(text, sourceID string) []Draft {
	return c.ChunkWithMetadata(text, sourceID, nil)
}

// ChunkWithMetadata is Chunk with every draft stamped with a copy of tags.
func (c *Chunker) ChunkWithMetadata(text, sourceID string, tags map[string]string) []Draft {
	contents, typ := c.split(text)
	drafts := make([]Draft, len(contents))
	for i, content := range contents {
		md := make(map[string]string, len(tags)+1)
		maps.Copy(md, tags)
		md["chunk_type"] = typ
		drafts[i] = Draft{
			SourceID: sourceID,
			Index:    i,
			Content:  content,
			Type:     typ,
			Metadata: md,
		}
	}
	return drafts
}

// ChunkSections chunks each section independently and numbers the result
// continuously. Each draft carries the section name under "section".
func (c *Chunker) ChunkSections(sections []Section, sourceID string) []Draft {
	var out []Draft
	for _, s := range sections {
		for _, d := range c.ChunkWithMetadata(s.Content, sourceID, map[string]string{"section": s.Name}) {
			d.Index = len(out)
			out = append(out, d)
		}
	}
	return out
}

func (c *Chunker) split(text string) ([]string, string) {
	segs := segments(text)
	switch {
	case len(segs) == 0:
		return nil, TypeConcept
	case len(segs) == 1 && runeLen(segs[0]) > c.maxSize:
		return c.packWords(segs[0]), TypeSimple
	}
	return c.accumulate(segs), TypeConcept
}

// segments splits text at blank-line runs, heading-like lines and lines
// opening with a domain marker. Returned segments are trimmed and non-empty.
func segments(text string) []string {
	var (
		segs []string
		cur  []string
	)
	flush := func() {
		if s := strings.TrimSpace(strings.Join(cur, "\n")); s != "" {
			segs = append(segs, s)
		}
		cur = cur[:0]
	}
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		trimmed := strings.TrimLeftFunc(line, unicode.IsSpace)
		if len(cur) > 0 && (markerLine.MatchString(trimmed) || headingLine.MatchString(trimmed)) {
			flush()
		}
		cur = append(cur, line)
	}
	flush()
	return segs
}

func (c *Chunker) accumulate(segs []string) []string {
	var (
		out []string
		buf string
	)
	sepLen := len(segmentSep)
	for _, seg := range segs {
		if buf == "" {
			buf = seg
			continue
		}
		if runeLen(buf)+sepLen+runeLen(seg) <= c.maxSize {
			buf += segmentSep + seg
			continue
		}
		out = append(out, buf)
		if tail := c.tail(buf, c.maxSize-sepLen-runeLen(seg)); tail != "" {
			buf = tail + segmentSep + seg
		} else {
			buf = seg
		}
	}
	if buf != "" {
		out = append(out, buf)
	}
	return out
}

// tail returns the trailing overlap of prev, shortened to room characters
// so the next buffer stays within bounds.
func (c *Chunker) tail(prev string, room int) string {
	n := min(c.overlap, room)
	if n <= 0 {
		return ""
	}
	return strings.TrimLeftFunc(lastRunes(prev, n), unicode.IsSpace)
}

// packWords is the fallback for text with no usable boundary. Words are
// packed up to maxSize and each chunk is seeded with a short word tail of
// the previous one. A text with no whitespace at all is cut into
// fixed windows that share overlap characters.
func (c *Chunker) packWords(text string) []string {
	words := strings.Fields(text)
	if len(words) == 1 {
		return c.window(words[0])
	}

	keep := 0
	if c.overlap > 0 {
		keep = max(c.overlap/10, 1)
	}

	var (
		out []string
		cur []string
		n   int
	)
	for _, w := range words {
		wl := runeLen(w)
		if len(cur) > 0 && n+1+wl > c.maxSize {
			out = append(out, strings.Join(cur, " "))
			cur, n = c.wordTail(cur, keep, wl)
		}
		if len(cur) == 0 {
			cur, n = append(cur, w), wl
			continue
		}
		cur = append(cur, w)
		n += 1 + wl
	}
	if len(cur) > 0 {
		out = append(out, strings.Join(cur, " "))
	}
	return out
}

// wordTail picks up to keep trailing words of prev whose joined length fits
// within overlap and leaves room for the next word.
func (c *Chunker) wordTail(prev []string, keep, nextLen int) ([]string, int) {
	if keep == 0 {
		return nil, 0
	}
	start := max(len(prev)-keep, 0)
	for ; start < len(prev); start++ {
		l := runeLen(strings.Join(prev[start:], " "))
		if l <= c.overlap && l+1+nextLen <= c.maxSize {
			break
		}
	}
	if start == len(prev) {
		return nil, 0
	}
	tail := append([]string(nil), prev[start:]...)
	return tail, runeLen(strings.Join(tail, " "))
}

func (c *Chunker) window(token string) []string {
	runes := []rune(token)
	step := c.maxSize - c.overlap
	var out []string
	for start := 0; ; start += step {
		end := min(start+c.maxSize, len(runes))
		out = append(out, string(runes[start:end]))
		if end == len(runes) {
			return out
		}
	}
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }

func lastRunes(s string, n int) string {
	if runeLen(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[len(r)-n:])
}
