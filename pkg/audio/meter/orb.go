package meter

// Ring is one glow ring around the orb.
type Ring struct {
	Radius float64
	Alpha  float64
}

// Orb is the geometry of the call visualization for one reading: the base
// disc, the model's voice as an outer ring and the user's voice as an inner
// glow.
type Orb struct {
	Base   float64
	Output Ring
	Input  Ring
}

// OrbGeometry computes the orb for l around a disc of radius base.
func OrbGeometry(l Levels, base float64) Orb {
	return Orb{
		Base: base,
		Output: Ring{
			Radius: base + l.Output*base*0.5,
			Alpha:  l.Output * 0.7,
		},
		Input: Ring{
			Radius: base + l.Input*base*0.2,
			Alpha:  l.Input * 0.8,
		},
	}
}
