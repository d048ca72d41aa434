package canvas

// Patch is a partial update. Nil fields are left untouched by Apply.
type Patch struct {
	Kind      *Kind
	DrawOrder *float64

	X        *float64
	Y        *float64
	Width    *float64
	Height   *float64
	Radius   *float64
	X2       *float64
	Y2       *float64
	Rotation *float64

	Fill        *string
	Stroke      *string
	StrokeWidth *float64
	Opacity     *float64
	Text        *string
	FontSize    *float64
}

// Apply returns e with every non-nil field of p written over it.
// Changing Kind does not reset geometry; callers set the fields the new kind needs.
func (p Patch) Apply(e Entity) Entity {
	if p.Kind != nil && p.Kind.Valid() {
		e.Kind = *p.Kind
	}
	setFloat(&e.DrawOrder, p.DrawOrder)

	s := &e.Shape
	setFloat(&s.X, p.X)
	setFloat(&s.Y, p.Y)
	setFloat(&s.Width, p.Width)
	setFloat(&s.Height, p.Height)
	setFloat(&s.Radius, p.Radius)
	setFloat(&s.X2, p.X2)
	setFloat(&s.Y2, p.Y2)
	setFloat(&s.Rotation, p.Rotation)
	setString(&s.Fill, p.Fill)
	setString(&s.Stroke, p.Stroke)
	setFloat(&s.StrokeWidth, p.StrokeWidth)
	setFloat(&s.Opacity, p.Opacity)
	setString(&s.Text, p.Text)
	setFloat(&s.FontSize, p.FontSize)
	return e
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p == Patch{}
}

// Merge returns p with the non-nil fields of later written over it.
func (p Patch) Merge(later Patch) Patch {
	if later.Kind != nil {
		p.Kind = later.Kind
	}
	pick := func(dst **float64, src *float64) {
		if src != nil {
			*dst = src
		}
	}
	pickS := func(dst **string, src *string) {
		if src != nil {
			*dst = src
		}
	}
	pick(&p.DrawOrder, later.DrawOrder)
	pick(&p.X, later.X)
	pick(&p.Y, later.Y)
	pick(&p.Width, later.Width)
	pick(&p.Height, later.Height)
	pick(&p.Radius, later.Radius)
	pick(&p.X2, later.X2)
	pick(&p.Y2, later.Y2)
	pick(&p.Rotation, later.Rotation)
	pickS(&p.Fill, later.Fill)
	pickS(&p.Stroke, later.Stroke)
	pick(&p.StrokeWidth, later.StrokeWidth)
	pick(&p.Opacity, later.Opacity)
	pickS(&p.Text, later.Text)
	pick(&p.FontSize, later.FontSize)
	return p
}

// Move is a patch that sets the entity origin.
func Move(x, y float64) Patch {
	return Patch{X: &x, Y: &y}
}

// Resize is a patch that sets width and height.
func Resize(w, h float64) Patch {
	return Patch{Width: &w, Height: &h}
}

// WithKind is a patch that sets the kind.
func WithKind(k Kind) Patch {
	return Patch{Kind: &k}
}

// WithFill is a patch that sets the fill colour.
func WithFill(fill string) Patch {
	return Patch{Fill: &fill}
}

// WithText is a patch that sets the text content.
func WithText(text string) Patch {
	return Patch{Text: &text}
}

func setFloat(dst *float64, src *float64) {
	if src != nil {
		*dst = *src
	}
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}
