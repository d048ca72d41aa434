package canvas

import (
	"encoding/json"
	"fmt"
	"time"

	syncErrors "github.com/c0deZ3R0/go-canvas-sync/errors"
)

// wireEntity is the persisted document layout. Pointer fields let the decoder tell a
// missing field from a zero value so it can substitute defaults.
type wireEntity struct {
	ID          string   `json:"id"`
	Kind        Kind     `json:"kind"`
	X           *float64 `json:"x,omitempty"`
	Y           *float64 `json:"y,omitempty"`
	Width       *float64 `json:"width,omitempty"`
	Height      *float64 `json:"height,omitempty"`
	Radius      *float64 `json:"radius,omitempty"`
	X2          *float64 `json:"x2,omitempty"`
	Y2          *float64 `json:"y2,omitempty"`
	Rotation    *float64 `json:"rotation,omitempty"`
	Fill        *string  `json:"fill,omitempty"`
	Stroke      *string  `json:"stroke,omitempty"`
	StrokeWidth *float64 `json:"strokeWidth,omitempty"`
	Opacity     *float64 `json:"opacity,omitempty"`
	Text        *string  `json:"text,omitempty"`
	FontSize    *float64 `json:"fontSize,omitempty"`
	DrawOrder   *float64 `json:"drawOrder,omitempty"`
	IssuedAt    *int64   `json:"issuedAt,omitempty"`
	AuthorID    string   `json:"authorId"`
}

// EncodeDocument serializes the persisted fields of e. CommittedAt is not part of the
// payload; stores keep it in their own column.
func EncodeDocument(e Entity) ([]byte, error) {
	s := e.Shape
	w := wireEntity{
		ID:          e.ID,
		Kind:        e.Kind,
		X:           &s.X,
		Y:           &s.Y,
		Rotation:    &s.Rotation,
		Fill:        &s.Fill,
		Stroke:      &s.Stroke,
		StrokeWidth: &s.StrokeWidth,
		Opacity:     &s.Opacity,
		DrawOrder:   &e.DrawOrder,
		AuthorID:    e.AuthorID,
	}
	switch e.Kind {
	case KindCircle:
		w.Radius = &s.Radius
	case KindLine:
		w.X2, w.Y2 = &s.X2, &s.Y2
	case KindText:
		w.Text, w.FontSize = &s.Text, &s.FontSize
		w.Width = &s.Width
	default:
		w.Width, w.Height = &s.Width, &s.Height
	}
	if !e.IssuedAt.IsZero() {
		ms := e.IssuedAt.UnixMilli()
		w.IssuedAt = &ms
	}

	data, err := json.Marshal(w)
	if err != nil {
		return nil, syncErrors.Wrap(err, syncErrors.Op("canvas.EncodeDocument"), "canvas")
	}
	return data, nil
}

// DecodeDocument builds an Entity from a stored document. Missing optional fields get
// type-appropriate defaults so one incomplete document cannot block a change feed;
// only undecodable JSON is an error. The key id wins over an id inside the payload.
func DecodeDocument(id string, data []byte, committedAt time.Time) (Entity, error) {
	var w wireEntity
	if len(data) == 0 {
		data = []byte("{}")
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return Entity{}, syncErrors.NewDecodeError(syncErrors.OpDecode,
			fmt.Errorf("document %q: %w", id, err))
	}

	if id == "" {
		id = w.ID
	}
	e := NewEntity(id, w.Kind)
	s := &e.Shape
	setFloat(&s.X, w.X)
	setFloat(&s.Y, w.Y)
	setFloat(&s.Width, w.Width)
	setFloat(&s.Height, w.Height)
	setFloat(&s.Radius, w.Radius)
	setFloat(&s.X2, w.X2)
	setFloat(&s.Y2, w.Y2)
	setFloat(&s.Rotation, w.Rotation)
	setString(&s.Fill, w.Fill)
	setString(&s.Stroke, w.Stroke)
	setFloat(&s.StrokeWidth, w.StrokeWidth)
	setFloat(&s.Opacity, w.Opacity)
	setString(&s.Text, w.Text)
	setFloat(&s.FontSize, w.FontSize)
	setFloat(&e.DrawOrder, w.DrawOrder)

	if w.IssuedAt != nil {
		e.IssuedAt = time.UnixMilli(*w.IssuedAt)
	}
	e.AuthorID = w.AuthorID
	e.CommittedAt = committedAt
	return e, nil
}
