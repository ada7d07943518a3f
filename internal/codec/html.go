package codec

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"

	"github.com/MarcoPoloResearchLab/docsync/internal/crdt"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Mark names understood by the HTML schema.
const (
	MarkStrong = "strong"
	MarkEm     = "em"
	MarkU      = "u"
	MarkS      = "s"
	MarkCode   = "code"
	MarkLink   = "link"
)

const (
	tagListItem     = "li"
	tagRule         = "hr"
	tagPre          = "pre"
	attrList        = "list"
	listUnordered   = "ul"
	listOrdered     = "ol"
	lineBreak       = "\n"
	renderLineBreak = "<br>"
)

var textBlockTags = map[atom.Atom]string{
	atom.P:          "p",
	atom.H1:         "h1",
	atom.H2:         "h2",
	atom.H3:         "h3",
	atom.H4:         "h4",
	atom.H5:         "h5",
	atom.H6:         "h6",
	atom.Blockquote: "blockquote",
	atom.Pre:        tagPre,
}

var inlineMarks = map[atom.Atom]string{
	atom.Strong: MarkStrong,
	atom.B:      MarkStrong,
	atom.Em:     MarkEm,
	atom.I:      MarkEm,
	atom.U:      MarkU,
	atom.S:      MarkS,
	atom.Strike: MarkS,
	atom.Del:    MarkS,
	atom.Code:   MarkCode,
}

var renderedMarkTags = map[string]string{
	MarkStrong: "strong",
	MarkEm:     "em",
	MarkU:      "u",
	MarkS:      "s",
	MarkCode:   "code",
	MarkLink:   "a",
}

var linkSchemes = map[string]bool{
	"":       true,
	"http":   true,
	"https":  true,
	"mailto": true,
}

// ParseHTML parses persisted HTML into the block structure stored in the CRDT.
func ParseHTML(source string) ([]crdt.Block, error) {
	context := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(source), context)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	parser := &htmlParser{}
	for _, node := range nodes {
		parser.visit(node, nil, "")
	}
	parser.closeBlock()
	return parser.blocks, nil
}

type htmlParser struct {
	blocks  []crdt.Block
	current *crdt.Block
	pre     bool
}

func (p *htmlParser) openBlock(tag string, attrs ...crdt.Attr) {
	p.closeBlock()
	p.current = &crdt.Block{Tag: tag, Attrs: attrs}
	p.pre = tag == tagPre
}

func (p *htmlParser) closeBlock() {
	if p.current == nil {
		return
	}
	p.blocks = append(p.blocks, *p.current)
	p.current = nil
	p.pre = false
}

func (p *htmlParser) visit(node *html.Node, marks []crdt.Mark, list string) {
	switch node.Type {
	case html.TextNode:
		p.appendText(node.Data, marks)
		return
	case html.ElementNode:
	default:
		p.visitChildren(node, marks, list)
		return
	}

	if node.DataAtom == atom.P && p.current != nil && p.current.Tag != "p" {
		// Paragraphs nested in list items or quotes stay part of the enclosing block.
		if len(p.current.Spans) > 0 {
			p.appendText(lineBreak, nil)
		}
		p.visitChildren(node, marks, list)
		return
	}
	if tag, ok := textBlockTags[node.DataAtom]; ok {
		p.openBlock(tag)
		p.visitChildren(node, nil, list)
		p.closeBlock()
		return
	}

	switch node.DataAtom {
	case atom.Ul:
		p.closeBlock()
		p.visitChildren(node, nil, listUnordered)
		return
	case atom.Ol:
		p.closeBlock()
		p.visitChildren(node, nil, listOrdered)
		return
	case atom.Li:
		if list == "" {
			list = listUnordered
		}
		p.openBlock(tagListItem, crdt.Attr{Key: attrList, Value: list})
		p.visitChildren(node, nil, list)
		p.closeBlock()
		return
	case atom.Hr:
		p.openBlock(tagRule)
		p.closeBlock()
		return
	case atom.Br:
		p.appendText(lineBreak, marks)
		return
	case atom.A:
		href := attribute(node, "href")
		p.visitChildren(node, withMark(marks, crdt.Mark{Name: MarkLink, Value: href}), list)
		return
	}

	if name, ok := inlineMarks[node.DataAtom]; ok {
		p.visitChildren(node, withMark(marks, crdt.Mark{Name: name}), list)
		return
	}
	if isContainer(node.DataAtom) {
		p.closeBlock()
		p.visitChildren(node, nil, list)
		p.closeBlock()
		return
	}
	p.visitChildren(node, marks, list)
}

func (p *htmlParser) visitChildren(node *html.Node, marks []crdt.Mark, list string) {
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		p.visit(child, marks, list)
	}
}

func (p *htmlParser) appendText(text string, marks []crdt.Mark) {
	if text != lineBreak && !p.pre {
		text = collapseWhitespace(text)
	}
	if p.current == nil {
		if strings.TrimSpace(text) == "" {
			return
		}
		p.openBlock(crdt.DefaultBlockTag)
	}
	if len(p.current.Spans) == 0 && !p.pre && text != lineBreak {
		text = strings.TrimLeftFunc(text, unicode.IsSpace)
	}
	if text == "" {
		return
	}
	marks = sortedMarks(marks)
	spans := p.current.Spans
	if last := len(spans) - 1; last >= 0 && equalMarks(spans[last].Marks, marks) {
		spans[last].Text += text
		return
	}
	p.current.Spans = append(spans, crdt.Span{Text: text, Marks: marks})
}

// RenderHTML renders blocks back into the persisted HTML form.
func RenderHTML(blocks []crdt.Block) string {
	var builder strings.Builder
	openList := ""
	for _, block := range blocks {
		if block.Tag == tagListItem {
			list := block.Attr(attrList)
			if list != listOrdered {
				list = listUnordered
			}
			if openList != list {
				if openList != "" {
					builder.WriteString("</" + openList + ">")
				}
				builder.WriteString("<" + list + ">")
				openList = list
			}
		} else if openList != "" {
			builder.WriteString("</" + openList + ">")
			openList = ""
		}

		if block.Tag == tagRule {
			builder.WriteString("<hr>")
			continue
		}
		tag := renderedBlockTag(block.Tag)
		builder.WriteString("<" + tag + ">")
		for _, span := range block.Spans {
			renderSpan(&builder, span, block.Tag == tagPre)
		}
		builder.WriteString("</" + tag + ">")
	}
	if openList != "" {
		builder.WriteString("</" + openList + ">")
	}
	return builder.String()
}

// renderedBlockTag maps a block tag onto the schema; anything else renders as a paragraph.
func renderedBlockTag(tag string) string {
	if tag == tagListItem {
		return tagListItem
	}
	for _, known := range textBlockTags {
		if known == tag {
			return known
		}
	}
	return crdt.DefaultBlockTag
}

// renderSpan writes span text wrapped in its marks. Marks outside the schema
// and links with unsafe targets are dropped while their text is kept.
func renderSpan(builder *strings.Builder, span crdt.Span, pre bool) {
	opened := make([]string, 0, len(span.Marks))
	for _, mark := range span.Marks {
		tag, ok := renderedMarkTags[mark.Name]
		if !ok {
			continue
		}
		if mark.Name == MarkLink {
			href, safe := safeHref(mark.Value)
			if !safe {
				continue
			}
			builder.WriteString(`<a href="` + html.EscapeString(href) + `">`)
		} else {
			builder.WriteString("<" + tag + ">")
		}
		opened = append(opened, tag)
	}
	text := html.EscapeString(span.Text)
	if !pre {
		text = strings.ReplaceAll(text, lineBreak, renderLineBreak)
	}
	builder.WriteString(text)
	for index := len(opened) - 1; index >= 0; index-- {
		builder.WriteString("</" + opened[index] + ">")
	}
}

func safeHref(raw string) (string, bool) {
	href := strings.TrimSpace(raw)
	if href == "" || strings.ContainsAny(href, "\x00\t\r\n") {
		return "", false
	}
	parsed, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	return href, linkSchemes[strings.ToLower(parsed.Scheme)]
}

func isContainer(a atom.Atom) bool {
	switch a {
	case atom.Div, atom.Section, atom.Article, atom.Header, atom.Footer, atom.Main,
		atom.Aside, atom.Nav, atom.Figure, atom.Table, atom.Tbody, atom.Tr, atom.Td, atom.Th:
		return true
	}
	return false
}

func attribute(node *html.Node, key string) string {
	for _, attr := range node.Attr {
		if attr.Key == key {
			return attr.Val
		}
	}
	return ""
}

func withMark(marks []crdt.Mark, mark crdt.Mark) []crdt.Mark {
	for _, existing := range marks {
		if existing.Name == mark.Name {
			return marks
		}
	}
	result := make([]crdt.Mark, 0, len(marks)+1)
	result = append(result, marks...)
	return append(result, mark)
}

func collapseWhitespace(text string) string {
	var builder strings.Builder
	previousSpace := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			if !previousSpace {
				builder.WriteByte(' ')
			}
			previousSpace = true
			continue
		}
		previousSpace = false
		builder.WriteRune(r)
	}
	return builder.String()
}
