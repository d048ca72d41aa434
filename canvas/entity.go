// Package canvas holds the shared data model of the sync engine: canvas entities,
// partial updates, presence records and connection status.
//
// It exists so the state container, the write path and the read path can agree on
// types without importing each other.
package canvas

import (
	"time"
)

// Kind discriminates the geometry/style payload of an Entity.
type Kind string

const (
	KindRectangle Kind = "rectangle"
	KindCircle    Kind = "circle"
	KindLine      Kind = "line"
	KindText      Kind = "text"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindRectangle, KindCircle, KindLine, KindText:
		return true
	}
	return false
}

// Shape is the flat geometry and style payload. Which fields matter depends on Kind:
// rectangles use Width/Height, circles Radius, lines X2/Y2, text Text/FontSize.
type Shape struct {
	X        float64
	Y        float64
	Width    float64
	Height   float64
	Radius   float64
	X2       float64
	Y2       float64
	Rotation float64

	Fill        string
	Stroke      string
	StrokeWidth float64
	Opacity     float64
	Text        string
	FontSize    float64
}

// Entity is a synchronized canvas object.
type Entity struct {
	ID        string
	Kind      Kind
	Shape     Shape
	DrawOrder float64

	// CommittedAt is assigned by the remote store and is the only cross-client
	// ordering authority. Zero until the store has reported a commit.
	CommittedAt time.Time

	// IssuedAt is assigned locally when a change is applied. It orders local
	// edits before a commit exists and is never compared across clients.
	IssuedAt time.Time

	AuthorID string
}

// Committed reports whether the store has assigned a commit time.
func (e Entity) Committed() bool {
	return !e.CommittedAt.IsZero()
}

// Equal reports whether e and o hold the same data. Timestamps compare by instant.
func (e Entity) Equal(o Entity) bool {
	return e.ID == o.ID &&
		e.Kind == o.Kind &&
		e.Shape == o.Shape &&
		e.DrawOrder == o.DrawOrder &&
		e.AuthorID == o.AuthorID &&
		e.CommittedAt.Equal(o.CommittedAt) &&
		e.IssuedAt.Equal(o.IssuedAt)
}

// NewEntity returns an entity of the given kind with default geometry and style.
func NewEntity(id string, kind Kind) Entity {
	if !kind.Valid() {
		kind = KindRectangle
	}
	return Entity{
		ID:    id,
		Kind:  kind,
		Shape: DefaultShape(kind),
	}
}

// DefaultShape returns the geometry and style a freshly created entity of kind gets,
// and the values substituted for fields missing from a remote document.
func DefaultShape(kind Kind) Shape {
	s := Shape{
		Fill:        DefaultFill,
		Stroke:      DefaultStroke,
		StrokeWidth: 1,
		Opacity:     1,
	}
	switch kind {
	case KindCircle:
		s.Radius = 50
	case KindLine:
		s.X2 = 100
	case KindText:
		s.FontSize = 16
		s.Fill = DefaultStroke
	default:
		s.Width = 100
		s.Height = 100
	}
	return s
}

const (
	DefaultFill   = "#cccccc"
	DefaultStroke = "#000000"
)
