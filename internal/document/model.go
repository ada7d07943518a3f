package document

import (
	"errors"
	"fmt"
	"strings"
)

// Type enumerates the document kinds the sync server can be asked to open.
type Type string

const (
	// TypeNote is the only document type routed to a gateway endpoint today.
	TypeNote Type = "Note"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidDocumentID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("document: invalid document id")
	// ErrInvalidSchemaVersion indicates that a schema version is negative.
	ErrInvalidSchemaVersion = errors.New("document: invalid schema version")
)

// ID represents a validated document identifier.
type ID string

// NewID validates raw input and returns an ID.
func NewID(rawInput string) (ID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	return ID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ID) String() string {
	return string(id)
}

// OrganizationID scopes gateway requests. The zero value means absent.
type OrganizationID string

// String returns the underlying string identifier.
func (id OrganizationID) String() string {
	return string(id)
}

// Present reports whether the organization identifier was supplied.
func (id OrganizationID) Present() bool {
	return strings.TrimSpace(string(id)) != ""
}

// ParseType normalizes a client supplied document type. Empty input defaults to TypeNote.
func ParseType(rawInput string) Type {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return TypeNote
	}
	if strings.EqualFold(trimmed, string(TypeNote)) {
		return TypeNote
	}
	return Type(trimmed)
}

// String returns the type name.
func (t Type) String() string {
	return string(t)
}

// SchemaVersion tags the structural generation of a document format.
type SchemaVersion int64

// NewSchemaVersion validates the value and returns a SchemaVersion.
func NewSchemaVersion(value int64) (SchemaVersion, error) {
	if value < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidSchemaVersion, value)
	}
	return SchemaVersion(value), nil
}

// Int64 exposes the raw version value.
func (v SchemaVersion) Int64() int64 {
	return int64(v)
}

// Record is the durable copy of a document held by the resource gateway.
type Record struct {
	DescriptionHTML  string
	DescriptionState []byte
	SchemaVersion    SchemaVersion
}

// HasState reports whether the record carries a binary CRDT snapshot.
func (r *Record) HasState() bool {
	return r != nil && len(r.DescriptionState) > 0
}

// Snapshot is the serialized form of a live document ready to be persisted.
type Snapshot struct {
	State         []byte
	HTML          string
	SchemaVersion SchemaVersion
}

// ConnectionContext is fixed once a connection authenticates.
type ConnectionContext struct {
	Token          string
	SchemaVersion  SchemaVersion
	OrganizationID OrganizationID
	DocumentType   Type
}
