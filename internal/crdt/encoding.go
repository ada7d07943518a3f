package crdt

import (
	"fmt"
	"sort"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldUpdateOp = 1

	fieldOpClient    = 1
	fieldOpSeq       = 2
	fieldOpLamport   = 3
	fieldOpKind      = 4
	fieldOpRefClient = 5
	fieldOpRefSeq    = 6
	fieldOpText      = 7
	fieldOpMark      = 8
	fieldOpTag       = 9
	fieldOpAttr      = 10
	fieldOpLength    = 11

	fieldPairKey   = 1
	fieldPairValue = 2

	fieldVectorEntry = 1
	fieldEntryClient = 1
	fieldEntrySeq    = 2
)

// EncodeState returns every op the document knows, integrated ops in
// integration order followed by buffered ops. Loading the result into a fresh
// document and encoding it again yields identical bytes.
func (d *Document) EncodeState() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	all := make([]op, 0, len(d.log)+len(d.pending))
	all = append(all, d.log...)
	all = append(all, d.pending...)
	return encodeOps(all)
}

// EncodeStateVector summarizes the integrated ops as client -> highest contiguous seq.
func (d *Document) EncodeStateVector() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return encodeStateVector(d.clock)
}

// StateVector returns a copy of the integrated client -> seq summary.
func (d *Document) StateVector() map[uint64]uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	result := make(map[uint64]uint64, len(d.clock))
	for client, seq := range d.clock {
		result[client] = seq
	}
	return result
}

// EncodeUpdateSince returns the ops a replica described by the encoded state vector is missing.
func (d *Document) EncodeUpdateSince(encodedVector []byte) ([]byte, error) {
	vector, err := DecodeStateVector(encodedVector)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	missing := make([]op, 0)
	for _, o := range d.log {
		if o.lastSeq() > vector[o.id.Client] {
			missing = append(missing, o)
		}
	}
	for _, o := range d.pending {
		if o.lastSeq() > vector[o.id.Client] {
			missing = append(missing, o)
		}
	}
	return encodeOps(missing), nil
}

// DecodeStateVector parses an encoded state vector. Empty input is the empty vector.
func DecodeStateVector(encoded []byte) (map[uint64]uint64, error) {
	vector := make(map[uint64]uint64)
	err := consumeFields(encoded, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != fieldVectorEntry || typ != protowire.BytesType {
			return skipField(num, typ, b)
		}
		entry, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		var client, seq uint64
		entryErr := consumeFields(entry, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch {
			case num == fieldEntryClient && typ == protowire.VarintType:
				value, n := protowire.ConsumeVarint(b)
				client = value
				return n, nil
			case num == fieldEntrySeq && typ == protowire.VarintType:
				value, n := protowire.ConsumeVarint(b)
				seq = value
				return n, nil
			default:
				return skipField(num, typ, b)
			}
		})
		if entryErr != nil {
			return 0, entryErr
		}
		vector[client] = seq
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	return vector, nil
}

func encodeStateVector(clock map[uint64]uint64) []byte {
	clients := make([]uint64, 0, len(clock))
	for client := range clock {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	var out []byte
	for _, client := range clients {
		var entry []byte
		entry = protowire.AppendTag(entry, fieldEntryClient, protowire.VarintType)
		entry = protowire.AppendVarint(entry, client)
		entry = protowire.AppendTag(entry, fieldEntrySeq, protowire.VarintType)
		entry = protowire.AppendVarint(entry, clock[client])
		out = protowire.AppendTag(out, fieldVectorEntry, protowire.BytesType)
		out = protowire.AppendBytes(out, entry)
	}
	return out
}

func encodeOps(ops []op) []byte {
	var out []byte
	for _, o := range ops {
		out = protowire.AppendTag(out, fieldUpdateOp, protowire.BytesType)
		out = protowire.AppendBytes(out, encodeOp(o))
	}
	return out
}

func encodeOp(o op) []byte {
	var b []byte
	b = appendVarintField(b, fieldOpClient, o.id.Client)
	b = appendVarintField(b, fieldOpSeq, o.id.Seq)
	b = appendVarintField(b, fieldOpLamport, o.lamport)
	b = appendVarintField(b, fieldOpKind, uint64(o.kind))
	b = appendVarintField(b, fieldOpRefClient, o.ref.Client)
	b = appendVarintField(b, fieldOpRefSeq, o.ref.Seq)
	if o.text != "" {
		b = protowire.AppendTag(b, fieldOpText, protowire.BytesType)
		b = protowire.AppendString(b, o.text)
	}
	for _, mark := range o.marks {
		b = protowire.AppendTag(b, fieldOpMark, protowire.BytesType)
		b = protowire.AppendBytes(b, encodePair(mark.Name, mark.Value))
	}
	if o.tag != "" {
		b = protowire.AppendTag(b, fieldOpTag, protowire.BytesType)
		b = protowire.AppendString(b, o.tag)
	}
	for _, attr := range o.attrs {
		b = protowire.AppendTag(b, fieldOpAttr, protowire.BytesType)
		b = protowire.AppendBytes(b, encodePair(attr.Key, attr.Value))
	}
	if o.length != 0 {
		b = appendVarintField(b, fieldOpLength, o.length)
	}
	return b
}

func appendVarintField(b []byte, num protowire.Number, value uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, value)
}

func encodePair(key, value string) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldPairKey, protowire.BytesType)
	b = protowire.AppendString(b, key)
	b = protowire.AppendTag(b, fieldPairValue, protowire.BytesType)
	b = protowire.AppendString(b, value)
	return b
}

func decodeOps(encoded []byte) ([]op, error) {
	var ops []op
	err := consumeFields(encoded, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != fieldUpdateOp || typ != protowire.BytesType {
			return skipField(num, typ, b)
		}
		raw, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		decoded, err := decodeOp(raw)
		if err != nil {
			return 0, err
		}
		ops = append(ops, decoded)
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	return ops, nil
}

func decodeOp(raw []byte) (op, error) {
	var o op
	err := consumeFields(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ == protowire.VarintType {
			value, n := protowire.ConsumeVarint(b)
			switch num {
			case fieldOpClient:
				o.id.Client = value
			case fieldOpSeq:
				o.id.Seq = value
			case fieldOpLamport:
				o.lamport = value
			case fieldOpKind:
				o.kind = opKind(value)
			case fieldOpRefClient:
				o.ref.Client = value
			case fieldOpRefSeq:
				o.ref.Seq = value
			case fieldOpLength:
				o.length = value
			}
			return n, nil
		}
		if typ != protowire.BytesType {
			return skipField(num, typ, b)
		}
		value, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		switch num {
		case fieldOpText:
			o.text = string(value)
		case fieldOpTag:
			o.tag = string(value)
		case fieldOpMark:
			key, pairValue, err := decodePair(value)
			if err != nil {
				return 0, err
			}
			o.marks = append(o.marks, Mark{Name: key, Value: pairValue})
		case fieldOpAttr:
			key, pairValue, err := decodePair(value)
			if err != nil {
				return 0, err
			}
			o.attrs = append(o.attrs, Attr{Key: key, Value: pairValue})
		}
		return n, nil
	})
	if err != nil {
		return op{}, err
	}
	if err := validateOp(o); err != nil {
		return op{}, err
	}
	o.marks = normalizeMarks(o.marks)
	o.attrs = normalizeAttrs(o.attrs)
	return o, nil
}

func validateOp(o op) error {
	if o.id.Seq == 0 {
		return fmt.Errorf("%w: op without sequence", ErrMalformed)
	}
	switch o.kind {
	case kindText:
		if o.text == "" || !utf8.ValidString(o.text) {
			return fmt.Errorf("%w: text op %d:%d has invalid content", ErrMalformed, o.id.Client, o.id.Seq)
		}
	case kindBlock:
		if o.tag == "" {
			return fmt.Errorf("%w: block op %d:%d without tag", ErrMalformed, o.id.Client, o.id.Seq)
		}
	case kindDelete:
		if o.length == 0 || o.ref.Seq == 0 {
			return fmt.Errorf("%w: delete op %d:%d without target", ErrMalformed, o.id.Client, o.id.Seq)
		}
		if o.length > MaxDeleteLength {
			return fmt.Errorf("%w: delete op %d:%d targets %d items", ErrMalformed, o.id.Client, o.id.Seq, o.length)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown op kind %d", ErrMalformed, o.kind)
	}
	if o.lamport == 0 {
		return fmt.Errorf("%w: insert op %d:%d without timestamp", ErrMalformed, o.id.Client, o.id.Seq)
	}
	if o.ref.Seq == 0 && o.ref.Client != 0 {
		return fmt.Errorf("%w: insert op %d:%d has invalid origin", ErrMalformed, o.id.Client, o.id.Seq)
	}
	return nil
}

func decodePair(raw []byte) (string, string, error) {
	var key, value string
	err := consumeFields(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return skipField(num, typ, b)
		}
		field, n := protowire.ConsumeString(b)
		switch num {
		case fieldPairKey:
			key = field
		case fieldPairValue:
			value = field
		}
		return n, nil
	})
	return key, value, err
}

// consumeFields walks a protobuf message, handing each field's payload to
// visit. visit returns the number of payload bytes consumed, negative on a
// wire error.
func consumeFields(b []byte, visit func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		consumed, err := visit(num, typ, b)
		if err != nil {
			return err
		}
		if consumed < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(consumed))
		}
		b = b[consumed:]
	}
	return nil
}

func skipField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	return protowire.ConsumeFieldValue(num, typ, b), nil
}
