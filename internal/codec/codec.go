// Package codec converts between the persisted document record and the live CRDT document.
package codec

import (
	"sort"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/docsync/internal/crdt"
	"github.com/MarcoPoloResearchLab/docsync/internal/document"
)

const (
	sourceState = "description_state"
	sourceHTML  = "description_html"
)

// Materialize builds the in-memory document for a persisted record. A nil
// record is a document that has never been saved and yields an empty
// document. A record carrying binary state is decoded directly; otherwise
// its HTML is parsed and seeded deterministically.
func Materialize(record *document.Record) (*crdt.Document, error) {
	if record == nil {
		return crdt.New(crdt.SeedClientID), nil
	}
	if record.HasState() {
		doc, err := crdt.Load(crdt.SeedClientID, record.DescriptionState)
		if err != nil {
			return nil, &document.DecodeError{Source: sourceState, Err: err}
		}
		return doc, nil
	}
	blocks, err := ParseHTML(record.DescriptionHTML)
	if err != nil {
		return nil, &document.DecodeError{Source: sourceHTML, Err: err}
	}
	doc, err := Seed(blocks)
	if err != nil {
		return nil, &document.DecodeError{Source: sourceHTML, Err: err}
	}
	return doc, nil
}

// Seed writes blocks into a fresh document under the seed client id.
func Seed(blocks []crdt.Block) (*crdt.Document, error) {
	doc := crdt.New(crdt.SeedClientID)
	index := 0
	for _, block := range blocks {
		if _, err := doc.InsertBlock(index, block.Tag, block.Attrs...); err != nil {
			return nil, err
		}
		index++
		for _, span := range block.Spans {
			if span.Text == "" {
				continue
			}
			if _, err := doc.InsertText(index, span.Text, span.Marks...); err != nil {
				return nil, err
			}
			index += utf8.RuneCountInString(span.Text)
		}
	}
	return doc, nil
}

// Serialize derives both persisted representations from the live document.
func Serialize(doc *crdt.Document) document.Snapshot {
	return document.Snapshot{
		State: doc.EncodeState(),
		HTML:  RenderHTML(doc.Blocks()),
	}
}

func sortedMarks(marks []crdt.Mark) []crdt.Mark {
	if len(marks) == 0 {
		return nil
	}
	result := append([]crdt.Mark(nil), marks...)
	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].Value < result[j].Value
	})
	return result
}

func equalMarks(a, b []crdt.Mark) bool {
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
