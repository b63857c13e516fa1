package typesys

// AcceptedFormat is one entry of a parameter's accepted-format list.
// Force requests reformatting even when the detected format matches.
type AcceptedFormat struct {
	Format string `json:"format" yaml:"format"`
	Force  bool   `json:"force,omitempty" yaml:"force,omitempty"`
}

// Cardinality bounds how many items a value may carry. Max < 0 means
// unbounded.
type Cardinality struct {
	Min int `json:"min" yaml:"min"`
	Max int `json:"max" yaml:"max"`
}

// MobyleType wraps a datatype key with the concrete or accepted format
// metadata of a value. After conversion it always carries the format
// that was actually produced, never the merely-accepted one.
type MobyleType struct {
	DataType string           `json:"datatype" yaml:"datatype"`
	Subtypes []string         `json:"subtypes,omitempty" yaml:"subtypes,omitempty"`
	Format   string           `json:"format,omitempty" yaml:"format,omitempty"`
	Accepted []AcceptedFormat `json:"accepted,omitempty" yaml:"accepted,omitempty"`
	Count    int              `json:"count,omitempty" yaml:"count,omitempty"`
	// Producer names the converter program that detected or produced
	// the format, preferred when a converter chain is searched.
	Producer string      `json:"producer,omitempty" yaml:"producer,omitempty"`
	Card     Cardinality `json:"card" yaml:"card"`
}

// AcceptedNames returns the accepted format names in declaration order.
func (m MobyleType) AcceptedNames() []string {
	names := make([]string, len(m.Accepted))
	for i, f := range m.Accepted {
		names[i] = f.Format
	}
	return names
}

// Compatible reports whether two MobyleTypes can be piped together:
// subtypes intersect, the datatypes are compatible and the cardinality
// ranges overlap.
func Compatible(from, to MobyleType) bool {
	if !datatypesCompatible(from.DataType, to.DataType) {
		return false
	}
	if !subtypesIntersect(from.Subtypes, to.Subtypes) {
		return false
	}
	return cardinalitiesOverlap(from.Card, to.Card)
}

func datatypesCompatible(a, b string) bool {
	if a == "" || b == "" {
		return true
	}
	if a == b {
		return true
	}
	// Sequence data is valid Text input, not the other way around.
	return a == "Sequence" && b == "Text"
}

// subtypesIntersect treats an empty list as a wildcard.
func subtypesIntersect(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return true
	}
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		if set[s] {
			return true
		}
	}
	return false
}

func cardinalitiesOverlap(a, b Cardinality) bool {
	aMax, bMax := a.Max, b.Max
	if aMax < 0 {
		aMax = int(^uint(0) >> 1)
	}
	if bMax < 0 {
		bMax = int(^uint(0) >> 1)
	}
	if aMax == 0 {
		aMax = 1
	}
	if bMax == 0 {
		bMax = 1
	}
	return a.Min <= bMax && b.Min <= aMax
}
