package documents

import (
	"fmt"
	"strings"
	"time"

	"github.com/automerge/automerge-go"
)

const (
	kindNameFlow    = "flow"
	kindNameDiagram = "diagram"

	flowMetadataKey    = "document"
	diagramMetadataKey = "diagram"

	flowContentKey = "content"
	diagramNodes   = "nodes"
	diagramEdges   = "edges"

	fieldTitle       = "title"
	fieldDescription = "description"
	fieldPath        = "path"
	fieldMimeType    = "mimeType"
	fieldOwnerID     = "ownerId"
	fieldCreatedAt   = "createdAt"
	fieldUpdatedAt   = "updatedAt"
)

// Kind is the closed set of document variants served by the store.
type Kind interface {
	// Name is the persisted kind tag.
	Name() string
	// DefaultMimeType is reported when the metadata map carries no mime type.
	DefaultMimeType() string
	metadataKey() string
}

// FlowKind is a text document: a metadata map holding a "content" text.
type FlowKind struct{}

// Name returns the persisted kind tag.
func (FlowKind) Name() string { return kindNameFlow }

// DefaultMimeType returns the flow mime type.
func (FlowKind) DefaultMimeType() string { return "application/vnd.atelier.flow+json" }

func (FlowKind) metadataKey() string { return flowMetadataKey }

// DiagramKind is a graph document: a metadata map holding "nodes" and "edges" lists.
type DiagramKind struct{}

// Name returns the persisted kind tag.
func (DiagramKind) Name() string { return kindNameDiagram }

// DefaultMimeType returns the diagram mime type.
func (DiagramKind) DefaultMimeType() string { return "application/vnd.atelier.diagram+json" }

func (DiagramKind) metadataKey() string { return diagramMetadataKey }

// ParseKind resolves a persisted kind tag. Empty tags predate the kind column and are flows.
func ParseKind(name string) (Kind, error) {
	switch strings.TrimSpace(name) {
	case kindNameFlow, "":
		return FlowKind{}, nil
	case kindNameDiagram:
		return DiagramKind{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, name)
	}
}

// SameKind reports whether two kinds denote the same variant.
func SameKind(left, right Kind) bool {
	if left == nil || right == nil {
		return false
	}
	return left.Name() == right.Name()
}

func declareContent(doc *automerge.Doc, kind Kind) error {
	switch kind.(type) {
	case FlowKind:
		return doc.Path(flowMetadataKey, flowContentKey).Set(automerge.NewText(""))
	case DiagramKind:
		if err := doc.Path(diagramMetadataKey, diagramNodes).Set(automerge.NewList()); err != nil {
			return err
		}
		return doc.Path(diagramMetadataKey, diagramEdges).Set(automerge.NewList())
	default:
		return fmt.Errorf("%w: unsupported kind %T", ErrInvalidOperation, kind)
	}
}

func writeInitialMetadata(doc *automerge.Doc, kind Kind, request CreateRequest, now time.Time) error {
	mimeType := strings.TrimSpace(request.MimeType)
	if mimeType == "" {
		mimeType = kind.DefaultMimeType()
	}
	values := []struct {
		field string
		value any
	}{
		{fieldTitle, request.Title},
		{fieldDescription, request.Description},
		{fieldPath, request.Path},
		{fieldMimeType, mimeType},
		{fieldOwnerID, request.ActorID.String()},
		{fieldCreatedAt, now.UnixMilli()},
		{fieldUpdatedAt, now.UnixMilli()},
	}
	key := kind.metadataKey()
	for _, entry := range values {
		if err := doc.Path(key, entry.field).Set(entry.value); err != nil {
			return fmt.Errorf("set %s: %w", entry.field, err)
		}
	}
	return declareContent(doc, kind)
}

func applyMetadataPatch(doc *automerge.Doc, kind Kind, patch MetadataPatch, now time.Time) error {
	key := kind.metadataKey()
	fields := []struct {
		field string
		value *string
	}{
		{fieldTitle, patch.Title},
		{fieldDescription, patch.Description},
		{fieldPath, patch.Path},
	}
	for _, entry := range fields {
		if entry.value == nil {
			continue
		}
		if err := doc.Path(key, entry.field).Set(*entry.value); err != nil {
			return fmt.Errorf("set %s: %w", entry.field, err)
		}
	}
	return doc.Path(key, fieldUpdatedAt).Set(now.UnixMilli())
}

func readMetadata(doc *automerge.Doc, kind Kind, now time.Time) Metadata {
	key := kind.metadataKey()
	return Metadata{
		Title:       readString(doc, key, fieldTitle, ""),
		Description: readString(doc, key, fieldDescription, ""),
		Path:        readString(doc, key, fieldPath, ""),
		MimeType:    readString(doc, key, fieldMimeType, kind.DefaultMimeType()),
		OwnerID:     readString(doc, key, fieldOwnerID, ""),
		CreatedAt:   readMillis(doc, key, fieldCreatedAt, now),
		UpdatedAt:   readMillis(doc, key, fieldUpdatedAt, now),
	}
}

func readString(doc *automerge.Doc, key, field, fallback string) string {
	value, err := doc.Path(key, field).Get()
	if err != nil || value.Kind() != automerge.KindStr {
		return fallback
	}
	return value.Str()
}

func readMillis(doc *automerge.Doc, key, field string, fallback time.Time) time.Time {
	value, err := doc.Path(key, field).Get()
	if err != nil {
		return fallback
	}
	switch value.Kind() {
	case automerge.KindInt64:
		return time.UnixMilli(value.Int64()).UTC()
	case automerge.KindUint64:
		return time.UnixMilli(int64(value.Uint64())).UTC()
	case automerge.KindFloat64:
		return time.UnixMilli(int64(value.Float64())).UTC()
	case automerge.KindTime:
		return value.Time().UTC()
	default:
		return fallback
	}
}

func readFlowContent(doc *automerge.Doc) (string, error) {
	return doc.Path(flowMetadataKey, flowContentKey).Text().Get()
}
