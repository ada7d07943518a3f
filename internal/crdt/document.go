// Package crdt implements the replicated rich-text sequence shared by every
// connection attached to a document session.
//
// A document is a replicated growable array of items. An item is either a
// text rune or a block marker that opens a new block. Each item hangs off the
// item it was inserted after; siblings are ordered by descending Lamport
// timestamp (ties broken by client id) and the visible sequence is a preorder
// walk of that tree. Ops carry per-client contiguous sequence numbers so a
// state vector fully describes which ops a replica has integrated.
package crdt

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"unicode/utf8"
)

// SeedClientID is reserved for content derived from persisted HTML. Seeding is
// deterministic, so two replicas seeding the same HTML produce identical ops.
const SeedClientID uint64 = 0

const (
	// MaxDeleteLength bounds the number of items a single delete op may target.
	MaxDeleteLength = 1 << 20
	// MaxPendingOps bounds the ops buffered while waiting on missing dependencies.
	MaxPendingOps = 4096
)

var (
	// ErrMalformed indicates that an encoded update, state or state vector cannot be decoded.
	ErrMalformed = errors.New("crdt: malformed encoding")
	// ErrOutOfRange indicates that a local edit addressed a position outside the document.
	ErrOutOfRange = errors.New("crdt: position out of range")
	// ErrEmptyEdit indicates that a local edit carried no content.
	ErrEmptyEdit = errors.New("crdt: empty edit")
	// ErrPendingLimit indicates that an update would buffer more ops than MaxPendingOps.
	ErrPendingLimit = errors.New("crdt: too many ops waiting on dependencies")
)

// ID identifies an item or op by the client that created it and its per-client sequence.
type ID struct {
	Client uint64
	Seq    uint64
}

var rootID = ID{}

// Mark is an inline formatting attribute attached to text, e.g. "strong" or "link" with an href value.
type Mark struct {
	Name  string
	Value string
}

// Attr is a block attribute.
type Attr struct {
	Key   string
	Value string
}

type opKind uint64

const (
	kindText   opKind = 1
	kindBlock  opKind = 2
	kindDelete opKind = 3
)

type op struct {
	id      ID
	lamport uint64
	kind    opKind
	// ref is the origin for inserts and the first target for deletes.
	ref    ID
	text   string
	marks  []Mark
	tag    string
	attrs  []Attr
	length uint64
}

func (o op) span() uint64 {
	if o.kind == kindText {
		return uint64(utf8.RuneCountInString(o.text))
	}
	return 1
}

func (o op) lastSeq() uint64 {
	return o.id.Seq + o.span() - 1
}

type item struct {
	id       ID
	lamport  uint64
	value    rune
	block    *blockInfo
	marks    []Mark
	deleted  bool
	children []*item
}

type blockInfo struct {
	tag   string
	attrs []Attr
}

func precedes(a, b *item) bool {
	if a.lamport != b.lamport {
		return a.lamport > b.lamport
	}
	return a.id.Client > b.id.Client
}

// Document is a replica of a collaborative document. It is safe for concurrent use.
type Document struct {
	mu       sync.Mutex
	clientID uint64
	lamport  uint64
	root     *item
	items    map[ID]*item
	clock    map[uint64]uint64
	log      []op
	pending  []op
}

// New returns an empty document whose local edits are attributed to clientID.
func New(clientID uint64) *Document {
	return &Document{
		clientID: clientID,
		root:     &item{id: rootID},
		items:    make(map[ID]*item),
		clock:    make(map[uint64]uint64),
	}
}

// Load decodes a full state produced by EncodeState into a new document.
func Load(clientID uint64, state []byte) (*Document, error) {
	doc := New(clientID)
	if _, err := doc.Apply(state); err != nil {
		return nil, err
	}
	return doc, nil
}

// ClientID returns the id used for local edits.
func (d *Document) ClientID() uint64 {
	return d.clientID
}

// Apply merges an encoded update and reports how many ops were integrated.
// Ops already known are ignored; ops whose dependencies are missing are
// buffered until those dependencies arrive. An update is merged entirely or
// not at all: when any op is rejected the document is left unchanged.
func (d *Document) Apply(update []byte) (int, error) {
	ops, err := decodeOps(update)
	if err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.admit(ops); err != nil {
		return 0, err
	}

	integrated := 0
	for _, o := range ops {
		ready, known, classifyErr := d.classify(o)
		if classifyErr != nil {
			return integrated, classifyErr
		}
		switch {
		case known:
			continue
		case ready:
			d.integrate(o)
			integrated++
		default:
			d.enqueue(o)
		}
	}
	if integrated > 0 {
		integrated += d.drainPending()
	}
	return integrated, nil
}

// PendingCount returns the number of buffered ops waiting on dependencies.
func (d *Document) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// admit replays the classification of ops against a scratch clock without
// touching the document, so Apply can reject an update before merging any of it.
func (d *Document) admit(ops []op) error {
	clock := make(map[uint64]uint64)
	added := make(map[ID]struct{})
	exists := func(id ID) bool {
		if d.hasItem(id) {
			return true
		}
		_, ok := added[id]
		return ok
	}

	queued := 0
	for _, o := range ops {
		seen, ok := clock[o.id.Client]
		if !ok {
			seen = d.clock[o.id.Client]
		}
		if o.lastSeq() <= seen {
			continue
		}
		if o.id.Seq <= seen {
			return overlapError(o, seen)
		}
		if o.id.Seq != seen+1 || !refsPresent(o, exists) {
			queued++
			continue
		}
		clock[o.id.Client] = o.lastSeq()
		switch o.kind {
		case kindText:
			for offset := uint64(0); offset < o.span(); offset++ {
				added[ID{Client: o.id.Client, Seq: o.id.Seq + offset}] = struct{}{}
			}
		case kindBlock:
			added[o.id] = struct{}{}
		}
	}
	if len(d.pending)+queued > MaxPendingOps {
		return fmt.Errorf("%w: %d buffered, %d more", ErrPendingLimit, len(d.pending), queued)
	}
	return nil
}

func (d *Document) classify(o op) (ready bool, known bool, err error) {
	seen := d.clock[o.id.Client]
	if o.lastSeq() <= seen {
		return false, true, nil
	}
	if o.id.Seq <= seen {
		return false, false, overlapError(o, seen)
	}
	if o.id.Seq != seen+1 {
		return false, false, nil
	}
	return refsPresent(o, d.hasItem), false, nil
}

func (d *Document) hasItem(id ID) bool {
	_, ok := d.items[id]
	return ok
}

func refsPresent(o op, exists func(ID) bool) bool {
	switch o.kind {
	case kindDelete:
		for offset := uint64(0); offset < o.length; offset++ {
			if !exists(ID{Client: o.ref.Client, Seq: o.ref.Seq + offset}) {
				return false
			}
		}
		return true
	default:
		return o.ref == rootID || exists(o.ref)
	}
}

func overlapError(o op, seen uint64) error {
	return fmt.Errorf("%w: op %d:%d overlaps integrated seq %d", ErrMalformed, o.id.Client, o.id.Seq, seen)
}

// enqueue buffers o unless a queued op from the same client already claims
// any of its sequence numbers.
func (d *Document) enqueue(o op) {
	for _, queued := range d.pending {
		if queued.id.Client == o.id.Client && queued.id.Seq <= o.lastSeq() && o.id.Seq <= queued.lastSeq() {
			return
		}
	}
	d.pending = append(d.pending, o)
}

func (d *Document) drainPending() int {
	integrated := 0
	for {
		progress := false
		remaining := d.pending[:0]
		for _, o := range d.pending {
			ready, known, err := d.classify(o)
			switch {
			case err != nil, known:
			case ready:
				d.integrate(o)
				integrated++
				progress = true
			default:
				remaining = append(remaining, o)
			}
		}
		for index := len(remaining); index < len(d.pending); index++ {
			d.pending[index] = op{}
		}
		d.pending = remaining
		if !progress {
			return integrated
		}
	}
}

func (d *Document) integrate(o op) {
	switch o.kind {
	case kindText:
		origin := o.ref
		offset := uint64(0)
		for _, value := range o.text {
			id := ID{Client: o.id.Client, Seq: o.id.Seq + offset}
			d.attach(origin, &item{
				id:      id,
				lamport: o.lamport + offset,
				value:   value,
				marks:   o.marks,
			})
			origin = id
			offset++
		}
	case kindBlock:
		d.attach(o.ref, &item{
			id:      o.id,
			lamport: o.lamport,
			block:   &blockInfo{tag: o.tag, attrs: o.attrs},
		})
	case kindDelete:
		for offset := uint64(0); offset < o.length; offset++ {
			d.items[ID{Client: o.ref.Client, Seq: o.ref.Seq + offset}].deleted = true
		}
	}

	lastLamport := o.lamport + o.span() - 1
	if lastLamport > d.lamport {
		d.lamport = lastLamport
	}
	d.clock[o.id.Client] = o.lastSeq()
	d.log = append(d.log, o)
}

func (d *Document) attach(origin ID, child *item) {
	parent := d.root
	if origin != rootID {
		parent = d.items[origin]
	}
	index := sort.Search(len(parent.children), func(i int) bool {
		return precedes(child, parent.children[i])
	})
	parent.children = append(parent.children, nil)
	copy(parent.children[index+1:], parent.children[index:])
	parent.children[index] = child
	d.items[child.id] = child
}

// walk visits every item, tombstones included, in document order.
func (d *Document) walk(visit func(*item)) {
	stack := make([]*item, 0, len(d.root.children))
	for index := len(d.root.children) - 1; index >= 0; index-- {
		stack = append(stack, d.root.children[index])
	}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		visit(current)
		for index := len(current.children) - 1; index >= 0; index-- {
			stack = append(stack, current.children[index])
		}
	}
}

func (d *Document) visible() []*item {
	result := make([]*item, 0, len(d.items))
	d.walk(func(current *item) {
		if !current.deleted {
			result = append(result, current)
		}
	})
	return result
}

// Len returns the number of visible items, counting each block marker as one.
func (d *Document) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.visible())
}

// InsertText inserts text at a visible index and returns the encoded update.
func (d *Document) InsertText(index int, text string, marks ...Mark) ([]byte, error) {
	if text == "" || !utf8.ValidString(text) {
		return nil, ErrEmptyEdit
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	origin, err := d.originAt(index)
	if err != nil {
		return nil, err
	}
	o := op{
		id:      d.nextID(),
		lamport: d.lamport + 1,
		kind:    kindText,
		ref:     origin,
		text:    text,
		marks:   normalizeMarks(marks),
	}
	d.integrate(o)
	return encodeOps([]op{o}), nil
}

// InsertBlock inserts a block marker at a visible index and returns the encoded update.
func (d *Document) InsertBlock(index int, tag string, attrs ...Attr) ([]byte, error) {
	if tag == "" {
		return nil, ErrEmptyEdit
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	origin, err := d.originAt(index)
	if err != nil {
		return nil, err
	}
	o := op{
		id:      d.nextID(),
		lamport: d.lamport + 1,
		kind:    kindBlock,
		ref:     origin,
		tag:     tag,
		attrs:   normalizeAttrs(attrs),
	}
	d.integrate(o)
	return encodeOps([]op{o}), nil
}

// Delete removes length visible items starting at index and returns the encoded update.
func (d *Document) Delete(index, length int) ([]byte, error) {
	if length <= 0 {
		return nil, ErrEmptyEdit
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	visible := d.visible()
	if index < 0 || index+length > len(visible) {
		return nil, fmt.Errorf("%w: delete %d+%d of %d", ErrOutOfRange, index, length, len(visible))
	}

	var ops []op
	targets := visible[index : index+length]
	for start := 0; start < len(targets); {
		end := start + 1
		for end < len(targets) &&
			targets[end].id.Client == targets[start].id.Client &&
			targets[end].id.Seq == targets[end-1].id.Seq+1 {
			end++
		}
		o := op{
			id:      d.nextID(),
			lamport: d.lamport + 1,
			kind:    kindDelete,
			ref:     targets[start].id,
			length:  uint64(end - start),
		}
		d.integrate(o)
		ops = append(ops, o)
		start = end
	}
	return encodeOps(ops), nil
}

func (d *Document) nextID() ID {
	return ID{Client: d.clientID, Seq: d.clock[d.clientID] + 1}
}

func (d *Document) originAt(index int) (ID, error) {
	if index == 0 {
		return rootID, nil
	}
	visible := d.visible()
	if index < 0 || index > len(visible) {
		return ID{}, fmt.Errorf("%w: insert at %d of %d", ErrOutOfRange, index, len(visible))
	}
	return visible[index-1].id, nil
}

func normalizeMarks(marks []Mark) []Mark {
	if len(marks) == 0 {
		return nil
	}
	result := append([]Mark(nil), marks...)
	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].Value < result[j].Value
	})
	return result
}

func normalizeAttrs(attrs []Attr) []Attr {
	if len(attrs) == 0 {
		return nil
	}
	result := append([]Attr(nil), attrs...)
	sort.Slice(result, func(i, j int) bool {
		return result[i].Key < result[j].Key
	})
	return result
}
