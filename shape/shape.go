// Package shape holds the vector shapes of a shared drawing and the store
// that indexes them.
package shape

import (
	"slices"

	"collabdraw/clock"
)

// ID is a collision-free shape identifier, <actor>:<sequence>.
type ID string

// Kind is the type tag of a shape.
type Kind string

const (
	KindRectangle Kind = "rectangle"
	KindEllipse   Kind = "ellipse"
	KindLine      Kind = "line"
	KindStroke    Kind = "stroke"
	KindText      Kind = "text"
)

// Field names a shape property that is merged independently.
type Field string

const (
	FieldKind        Field = "kind"
	FieldGeometry    Field = "geometry"
	FieldColor       Field = "color"
	FieldStrokeWidth Field = "strokeWidth"
	FieldFill        Field = "fill"
	FieldText        Field = "text"
)

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Geometry is the position of a shape: a bounding box, plus the sampled
// points for strokes and lines.
type Geometry struct {
	Bounds Rect    `json:"bounds"`
	Points []Point `json:"points,omitempty"`
}

func (g Geometry) Clone() Geometry {
	g.Points = slices.Clone(g.Points)
	return g
}

func (g Geometry) Equal(o Geometry) bool {
	return g.Bounds == o.Bounds && slices.Equal(g.Points, o.Points)
}

type Style struct {
	Color       string  `json:"color,omitempty"`
	StrokeWidth float64 `json:"strokeWidth,omitempty"`
	Fill        string  `json:"fill,omitempty"`
}

// Props is the full set of user-visible shape properties, carried by Add.
type Props struct {
	Kind     Kind     `json:"kind"`
	Geometry Geometry `json:"geometry"`
	Style    Style    `json:"style"`
	Text     string   `json:"text,omitempty"`
}

func (p Props) Clone() Props {
	p.Geometry = p.Geometry.Clone()
	return p
}

// Patch returns a patch that sets every property.
func (p Props) Patch() Patch {
	p = p.Clone()
	return Patch{
		Kind:        &p.Kind,
		Geometry:    &p.Geometry,
		Color:       &p.Style.Color,
		StrokeWidth: &p.Style.StrokeWidth,
		Fill:        &p.Style.Fill,
		Text:        &p.Text,
	}
}

// Apply returns the properties with the fields set in patch overwritten.
func (p Props) Apply(patch Patch) Props {
	p = p.Clone()
	if patch.Kind != nil {
		p.Kind = *patch.Kind
	}
	if patch.Geometry != nil {
		p.Geometry = patch.Geometry.Clone()
	}
	if patch.Color != nil {
		p.Style.Color = *patch.Color
	}
	if patch.StrokeWidth != nil {
		p.Style.StrokeWidth = *patch.StrokeWidth
	}
	if patch.Fill != nil {
		p.Style.Fill = *patch.Fill
	}
	if patch.Text != nil {
		p.Text = *patch.Text
	}
	return p
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Kind        *Kind     `json:"kind,omitempty"`
	Geometry    *Geometry `json:"geometry,omitempty"`
	Color       *string   `json:"color,omitempty"`
	StrokeWidth *float64  `json:"strokeWidth,omitempty"`
	Fill        *string   `json:"fill,omitempty"`
	Text        *string   `json:"text,omitempty"`
}

// Fields lists the fields set by the patch.
func (p Patch) Fields() []Field {
	var fields []Field
	if p.Kind != nil {
		fields = append(fields, FieldKind)
	}
	if p.Geometry != nil {
		fields = append(fields, FieldGeometry)
	}
	if p.Color != nil {
		fields = append(fields, FieldColor)
	}
	if p.StrokeWidth != nil {
		fields = append(fields, FieldStrokeWidth)
	}
	if p.Fill != nil {
		fields = append(fields, FieldFill)
	}
	if p.Text != nil {
		fields = append(fields, FieldText)
	}
	return fields
}

func (p Patch) IsEmpty() bool {
	return len(p.Fields()) == 0
}

// Clone deep-copies the patch so the copy shares no memory with p.
func (p Patch) Clone() Patch {
	var out Patch
	if p.Kind != nil {
		v := *p.Kind
		out.Kind = &v
	}
	if p.Geometry != nil {
		v := p.Geometry.Clone()
		out.Geometry = &v
	}
	if p.Color != nil {
		v := *p.Color
		out.Color = &v
	}
	if p.StrokeWidth != nil {
		v := *p.StrokeWidth
		out.StrokeWidth = &v
	}
	if p.Fill != nil {
		v := *p.Fill
		out.Fill = &v
	}
	if p.Text != nil {
		v := *p.Text
		out.Text = &v
	}
	return out
}

// Shape is a shape as held by a replica. Each field remembers the stamp of
// the write that produced its value.
type Shape struct {
	ID ID `json:"id"`
	Props
	Created clock.Stamp `json:"created"`
	Version clock.Stamp `json:"version"`

	stamps map[Field]clock.Stamp
}

// New creates a shape from an Add at stamp st.
func New(id ID, props Props, st clock.Stamp) Shape {
	s := Shape{ID: id, Created: st}
	s.Merge(props.Patch(), st)
	return s
}

// FieldStamp returns the stamp of the last write that won on f.
func (s Shape) FieldStamp(f Field) clock.Stamp {
	return s.stamps[f]
}

// Merge applies the fields of p whose stored stamp is older than st, and
// reports whether any field changed. Version always advances to st when st
// is newer.
func (s *Shape) Merge(p Patch, st clock.Stamp) bool {
	if s.stamps == nil {
		s.stamps = make(map[Field]clock.Stamp)
	}
	changed := false
	for _, f := range p.Fields() {
		if !st.After(s.stamps[f]) {
			continue
		}
		s.stamps[f] = st
		changed = true
		switch f {
		case FieldKind:
			s.Kind = *p.Kind
		case FieldGeometry:
			s.Geometry = p.Geometry.Clone()
		case FieldColor:
			s.Style.Color = *p.Color
		case FieldStrokeWidth:
			s.Style.StrokeWidth = *p.StrokeWidth
		case FieldFill:
			s.Style.Fill = *p.Fill
		case FieldText:
			s.Text = *p.Text
		}
	}
	s.Version = clock.Max(s.Version, st)
	return changed
}

// Clone returns a deep copy.
func (s Shape) Clone() Shape {
	s.Props = s.Props.Clone()
	if s.stamps != nil {
		stamps := make(map[Field]clock.Stamp, len(s.stamps))
		for f, st := range s.stamps {
			stamps[f] = st
		}
		s.stamps = stamps
	}
	return s
}

// Equal reports whether two replicas hold the same shape state, field
// stamps included.
func (s Shape) Equal(o Shape) bool {
	if s.ID != o.ID || s.Created != o.Created || s.Version != o.Version {
		return false
	}
	if s.Kind != o.Kind || s.Style != o.Style || s.Text != o.Text || !s.Geometry.Equal(o.Geometry) {
		return false
	}
	if len(s.stamps) != len(o.stamps) {
		return false
	}
	for f, st := range s.stamps {
		if o.stamps[f] != st {
			return false
		}
	}
	return true
}
