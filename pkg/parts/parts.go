// Package parts holds the part vocabulary of the inspected board and the
// completeness check that turns classifier detections into a verdict.
//
// Everything in this package is pure: no I/O, no clocks, no globals that
// change after init. The same detections and table always give the same Result.
package parts

import (
	"encoding/json"
	"fmt"
	"sort"
)

// ClassID is the numeric class reported by the remote classifier.
type ClassID int

// Part is a named component of the inspected board.
type Part string

// Known parts. Unknown collects class ids the catalog does not map.
const (
	RaspberryPico Part = "RASPBERRY_PICO"
	Hole          Part = "HOLE"
	Bootsel       Part = "BOOTSEL"
	Oscillator    Part = "OSCILLATOR"
	USB           Part = "USB"
	Chipset       Part = "CHIPSET"

	Unknown Part = "Unknown"
)

// Box is a pixel bounding box in corner form.
type Box struct {
	X1, Y1, X2, Y2 int
}

// Valid reports whether the box has non-negative corners and positive extent.
func (b Box) Valid() bool {
	return b.X1 >= 0 && b.Y1 >= 0 && b.X1 < b.X2 && b.Y1 < b.Y2
}

// Width returns the horizontal extent.
func (b Box) Width() int { return b.X2 - b.X1 }

// Height returns the vertical extent.
func (b Box) Height() int { return b.Y2 - b.Y1 }

// MarshalJSON encodes the box in the classifier's [x1,y1,x2,y2] form.
func (b Box) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]int{b.X1, b.Y1, b.X2, b.Y2})
}

// Detection is one object found by the classifier in one frame.
type Detection struct {
	Class      ClassID `json:"class_number"`
	Box        Box     `json:"bbox"`
	Confidence float64 `json:"confidence"`
}

// Catalog maps classifier class ids to part names.
type Catalog map[ClassID]Part

// DefaultCatalog returns the class mapping used by the board model.
func DefaultCatalog() Catalog {
	return Catalog{
		5: RaspberryPico,
		3: Hole,
		1: Bootsel,
		4: Oscillator,
		6: USB,
		2: Chipset,
	}
}

// Part returns the part for a class id, or Unknown.
func (c Catalog) Part(id ClassID) Part {
	if p, ok := c[id]; ok {
		return p
	}
	return Unknown
}

// IDs returns the mapped class ids in ascending order.
func (c Catalog) IDs() []ClassID {
	ids := make([]ClassID, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Parts returns the mapped part names sorted by class id.
func (c Catalog) Parts() []Part {
	ids := c.IDs()
	out := make([]Part, 0, len(ids))
	for _, id := range ids {
		out = append(out, c[id])
	}
	return out
}

// Validate checks the catalog for empty or reserved names.
func (c Catalog) Validate() error {
	if len(c) == 0 {
		return fmt.Errorf("parts: catalog is empty")
	}
	for id, p := range c {
		if p == "" {
			return fmt.Errorf("parts: class %d has empty part name", id)
		}
		if p == Unknown {
			return fmt.Errorf("parts: class %d uses reserved name %q", id, Unknown)
		}
	}
	return nil
}
