package chunker

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// Language identifies a supported source language.
type Language string

const (
	Python     Language = "python"
	Java       Language = "java"
	Vue        Language = "vue"
	JavaScript Language = "javascript"
	Unknown    Language = "unknown"
)

// Chunk types.
const (
	TypeFunction  = "function"
	TypeClass     = "class"
	TypeMethod    = "method"
	TypeInterface = "interface"
	TypeEnum      = "enum"
	TypeScript    = "script"
	TypeTemplate  = "template"
	TypeBlock     = "block"
)

// ErrFileTooLarge is returned for files over Options.MaxFileBytes.
var ErrFileTooLarge = errors.New("file too large")

// Chunk is a named, typed, line-bounded unit of a source file.
type Chunk struct {
	Filepath    string
	Language    Language
	Project     string
	ChunkType   string
	Name        string
	StartLine   int // 1-based, inclusive
	EndLine     int // 1-based, inclusive
	Content     string
	ContentHash string
}

// EmbeddingText returns the content prefixed with a short header naming the
// file, language and symbol. Content itself stays raw.
func (c Chunk) EmbeddingText() string {
	var b strings.Builder
	fmt.Fprintf(&b, "// File: %s\n", c.Filepath)
	fmt.Fprintf(&b, "// Language: %s\n", c.Language)
	if c.Name != "" {
		fmt.Fprintf(&b, "// %s: %s\n", c.ChunkType, c.Name)
	}
	b.WriteString(c.Content)
	return b.String()
}

// HashContent returns the hex sha256 of content.
func HashContent(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:])
}

// Options tune chunk sizes.
type Options struct {
	// WindowLines is the size of fallback and split windows.
	WindowLines int
	// MaxFileBytes is the largest file accepted.
	MaxFileBytes int
	// MaxChunkBytes is the largest structural chunk kept whole.
	MaxChunkBytes int
}

// DefaultOptions returns the default chunk sizes.
func DefaultOptions() Options {
	return Options{
		WindowLines:   40,
		MaxFileBytes:  1 << 20,
		MaxChunkBytes: 8192,
	}
}

// Chunker splits source files into chunks using per-language rules.
type Chunker struct {
	registry *Registry
	opts     Options
}

// New creates a chunker backed by the given registry. Zero option fields take
// their defaults.
func New(r *Registry, opts Options) *Chunker {
	def := DefaultOptions()
	if opts.WindowLines <= 0 {
		opts.WindowLines = def.WindowLines
	}
	if opts.MaxFileBytes <= 0 {
		opts.MaxFileBytes = def.MaxFileBytes
	}
	if opts.MaxChunkBytes <= 0 {
		opts.MaxChunkBytes = def.MaxChunkBytes
	}
	return &Chunker{registry: r, opts: opts}
}

// Registry returns the language registry.
func (c *Chunker) Registry() *Registry { return c.registry }

// MaxFileBytes returns the largest file Chunk accepts.
func (c *Chunker) MaxFileBytes() int { return c.opts.MaxFileBytes }

// Chunk splits src into chunks ordered by start line. Chunks never overlap.
// An empty or whitespace-only file yields no chunks. Project is left for the
// caller to fill in.
func (c *Chunker) Chunk(path string, src []byte, lang Language) ([]Chunk, error) {
	if len(src) > c.opts.MaxFileBytes {
		return nil, fmt.Errorf("%w: %s is %d bytes (limit %d)", ErrFileTooLarge, path, len(src), c.opts.MaxFileBytes)
	}
	if len(bytes.TrimSpace(src)) == 0 {
		return nil, nil
	}

	lines := splitLines(src)
	spans, err := c.chunkForLanguage(path, src, lines, lang)
	if err != nil {
		return nil, err
	}
	return build(path, lang, lines, spans), nil
}

// span is a chunk before its content is materialized.
type span struct {
	kind  string
	name  string
	start int
	end   int
}

func (c *Chunker) chunkForLanguage(path string, src []byte, lines []string, lang Language) ([]span, error) {
	switch lang {
	case Vue:
		if spans := c.vueSections(path, lines); len(spans) > 0 {
			return spans, nil
		}
	case Python, Java, JavaScript:
		spec := c.registry.Spec(lang)
		if spec != nil && spec.Grammar != nil {
			spans, err := c.structural(spec, src, lines)
			if err != nil {
				return nil, fmt.Errorf("chunk %s: %w", path, err)
			}
			if len(spans) > 0 {
				return spans, nil
			}
		}
	}
	return c.windows(TypeBlock, "", 1, len(lines)), nil
}

// structural returns the outermost captured constructs. A syntax error or an
// empty match set returns nil so the caller falls back to windows.
func (c *Chunker) structural(spec *LanguageSpec, src []byte, lines []string) ([]span, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(spec.Grammar)
	tree, err := parser.ParseCtx(context.Background(), nil, src)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		return nil, nil
	}

	q, err := sitter.NewQuery([]byte(spec.Query), spec.Grammar)
	if err != nil {
		return nil, fmt.Errorf("compile query: %w", err)
	}
	defer q.Close()

	qc := sitter.NewQueryCursor()
	defer qc.Close()
	qc.Exec(q, root)

	var all []capture
	for {
		m, ok := qc.NextMatch()
		if !ok {
			break
		}
		var node *sitter.Node
		var kind, name string
		for _, cp := range m.Captures {
			capName := q.CaptureNameForId(cp.Index)
			if capName == "name" {
				name = cp.Node.Content(src)
				continue
			}
			node, kind = cp.Node, capName
		}
		if node == nil {
			continue
		}
		all = append(all, newCapture(node, kind, name, len(lines)))
	}
	if len(all) == 0 {
		return nil, nil
	}

	var spans []span
	for _, cp := range outermost(all) {
		spans = append(spans, c.expand(cp, all)...)
	}
	return spans, nil
}

// expand keeps cp whole when it fits, otherwise emits its nested constructs,
// otherwise splits it into windows.
func (c *Chunker) expand(cp capture, all []capture) []span {
	if cp.size() <= c.opts.MaxChunkBytes {
		return []span{{kind: cp.kind, name: cp.name, start: cp.startLine, end: cp.endLine}}
	}

	var inner []capture
	for _, o := range all {
		if o.startByte >= cp.startByte && o.endByte <= cp.endByte && o.size() < cp.size() {
			inner = append(inner, o)
		}
	}
	inner = outermost(inner)
	if len(inner) == 0 {
		return c.windows(cp.kind, cp.name, cp.startLine, cp.endLine)
	}

	var spans []span
	for _, in := range inner {
		if in.kind == TypeFunction && isContainer(cp.kind) {
			in.kind = TypeMethod
		}
		spans = append(spans, c.expand(in, all)...)
	}
	return spans
}

// vueSections returns one span per top-level <template> or <script> section.
func (c *Chunker) vueSections(path string, lines []string) []span {
	component := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	var spans []span
	for i := 0; i < len(lines); i++ {
		tag := sectionTag(lines[i])
		if tag == "" {
			continue
		}
		end := len(lines)
		if strings.Contains(lines[i], "</"+tag) {
			end = i + 1
		} else {
			for j := i + 1; j < len(lines); j++ {
				if strings.HasPrefix(lines[j], "</"+tag) {
					end = j + 1
					break
				}
			}
		}

		name := component + "::" + tag
		if sectionBytes(lines, i+1, end) > c.opts.MaxChunkBytes {
			spans = append(spans, c.windows(tag, name, i+1, end)...)
		} else {
			spans = append(spans, span{kind: tag, name: name, start: i + 1, end: end})
		}
		i = end - 1
	}
	return spans
}

// sectionTag reports which section a column-0 opening tag starts, or "".
func sectionTag(line string) string {
	for _, tag := range []string{TypeTemplate, TypeScript} {
		open := "<" + tag
		if !strings.HasPrefix(line, open) {
			continue
		}
		rest := line[len(open):]
		if rest == "" || rest[0] == '>' || rest[0] == ' ' || rest[0] == '\t' {
			return tag
		}
	}
	return ""
}

// windows splits lines [start, end] into contiguous non-overlapping windows.
// Unnamed windows are called block@L<start>; named ones get a #n suffix.
func (c *Chunker) windows(kind, name string, start, end int) []span {
	var spans []span
	n := 0
	for s := start; s <= end; s += c.opts.WindowLines {
		e := min(s+c.opts.WindowLines-1, end)
		n++
		wname := fmt.Sprintf("%s#%d", name, n)
		if name == "" {
			wname = fmt.Sprintf("block@L%d", s)
		}
		spans = append(spans, span{kind: kind, name: wname, start: s, end: e})
	}
	return spans
}

// build sorts spans, folds any that share lines into their predecessor and
// materializes content. Whitespace-only spans are dropped.
func build(path string, lang Language, lines []string, spans []span) []Chunk {
	sort.SliceStable(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	var merged []span
	for _, s := range spans {
		if n := len(merged); n > 0 && s.start <= merged[n-1].end {
			merged[n-1].end = max(merged[n-1].end, s.end)
			continue
		}
		merged = append(merged, s)
	}

	chunks := make([]Chunk, 0, len(merged))
	for _, s := range merged {
		content := strings.Join(lines[s.start-1:s.end], "\n")
		if strings.TrimSpace(content) == "" {
			continue
		}
		chunks = append(chunks, Chunk{
			Filepath:    path,
			Language:    lang,
			ChunkType:   s.kind,
			Name:        s.name,
			StartLine:   s.start,
			EndLine:     s.end,
			Content:     content,
			ContentHash: HashContent(content),
		})
	}
	return chunks
}

type capture struct {
	name      string
	kind      string
	startLine int
	endLine   int
	startByte uint32
	endByte   uint32
}

func newCapture(n *sitter.Node, kind, name string, lineCount int) capture {
	start := int(n.StartPoint().Row) + 1
	end := int(n.EndPoint().Row) + 1
	// A node ending at column 0 stops on the previous line.
	if n.EndPoint().Column == 0 && end > start {
		end--
	}
	end = min(end, lineCount)
	start = min(start, end)
	if name == "" {
		name = kind
	}
	return capture{
		name:      name,
		kind:      kind,
		startLine: start,
		endLine:   end,
		startByte: n.StartByte(),
		endByte:   n.EndByte(),
	}
}

func (c capture) size() int { return int(c.endByte - c.startByte) }

// outermost drops captures contained in (or identical to) an earlier, larger one.
func outermost(caps []capture) []capture {
	sorted := append([]capture(nil), caps...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].startByte != sorted[j].startByte {
			return sorted[i].startByte < sorted[j].startByte
		}
		return sorted[i].size() > sorted[j].size()
	})

	var result []capture
	var lastEnd uint32
	for i, c := range sorted {
		if i > 0 && c.startByte < lastEnd {
			continue
		}
		result = append(result, c)
		lastEnd = c.endByte
	}
	return result
}

func isContainer(kind string) bool {
	return kind == TypeClass || kind == TypeInterface || kind == TypeEnum
}

func splitLines(src []byte) []string {
	s := strings.ReplaceAll(string(src), "\r\n", "\n")
	s = strings.TrimSuffix(s, "\n")
	return strings.Split(s, "\n")
}

func sectionBytes(lines []string, start, end int) int {
	n := 0
	for _, l := range lines[start-1 : end] {
		n += len(l) + 1
	}
	return n
}
