package crdt

import "strings"

// DefaultBlockTag is used for text that precedes the first block marker.
const DefaultBlockTag = "p"

// Block is a rendered view of one block of the document.
type Block struct {
	Tag   string
	Attrs []Attr
	Spans []Span
}

// Span is a run of text sharing the same marks.
type Span struct {
	Text  string
	Marks []Mark
}

// Attr returns the value of a block attribute, or "" when absent.
func (b Block) Attr(key string) string {
	for _, attr := range b.Attrs {
		if attr.Key == key {
			return attr.Value
		}
	}
	return ""
}

// Text returns the block's plain text.
func (b Block) Text() string {
	var builder strings.Builder
	for _, span := range b.Spans {
		builder.WriteString(span.Text)
	}
	return builder.String()
}

// Blocks returns the visible document as a list of blocks.
func (d *Document) Blocks() []Block {
	d.mu.Lock()
	defer d.mu.Unlock()

	var blocks []Block
	var text strings.Builder
	var marks []Mark
	flushSpan := func() {
		if text.Len() == 0 {
			return
		}
		current := &blocks[len(blocks)-1]
		current.Spans = append(current.Spans, Span{Text: text.String(), Marks: marks})
		text.Reset()
	}

	for _, current := range d.visible() {
		if current.block != nil {
			flushSpan()
			blocks = append(blocks, Block{Tag: current.block.tag, Attrs: current.block.attrs})
			continue
		}
		if len(blocks) == 0 {
			blocks = append(blocks, Block{Tag: DefaultBlockTag})
		}
		if text.Len() > 0 && !sameMarks(marks, current.marks) {
			flushSpan()
		}
		if text.Len() == 0 {
			marks = current.marks
		}
		text.WriteRune(current.value)
	}
	if len(blocks) > 0 {
		flushSpan()
	}
	return blocks
}

// Text returns the visible plain text with blocks separated by newlines.
func (d *Document) Text() string {
	blocks := d.Blocks()
	lines := make([]string, 0, len(blocks))
	for _, block := range blocks {
		lines = append(lines, block.Text())
	}
	return strings.Join(lines, "\n")
}

func sameMarks(a, b []Mark) bool {
	if len(a) != len(b) {
		return false
	}
	for index := range a {
		if a[index] != b[index] {
			return false
		}
	}
	return true
}
