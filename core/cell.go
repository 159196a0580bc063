package core

import (
	"fmt"
	"slices"
)

// Cell is a single (qualifier, value) pair within a row.
type Cell struct {
	Qualifier []byte
	Value     []byte
}

// Offset returns the millisecond-normalized time delta of the first
// datapoint the cell describes.
func (c Cell) Offset() int {
	return OffsetFromQualifier(c.Qualifier, 0)
}

// CompareOffsets orders cells by the time delta of their first datapoint.
// Cells at the same instant compare equal, so a stable sort preserves the
// store's scan order between them.
func CompareOffsets(a, b Cell) int {
	return a.Offset() - b.Offset()
}

// ExtractDataPoints splits every cell of a row into one Cell per
// datapoint and returns them sorted by time delta. Two-byte (seconds)
// cells have the legacy floating point repair applied; millisecond cells
// and datapoints split out of compacted cells are not repaired. Cells whose qualifier
// cannot describe datapoints (odd length, empty) are skipped; the caller
// is expected to have filtered annotations and sentinels already. A
// multi-datapoint value may carry one trailing meta byte.
func ExtractDataPoints(cells []Cell, estimate int) ([]Cell, error) {
	if estimate < len(cells) {
		estimate = len(cells)
	}
	out := make([]Cell, 0, estimate)
	for _, cell := range cells {
		q := cell.Qualifier
		if len(q) == 0 || len(q)%2 != 0 {
			continue
		}
		if len(q) == 2 {
			if FloatingPointValueToFix(q[1], cell.Value) {
				v, err := FixFloatingPointValue(q[1], cell.Value)
				if err != nil {
					return nil, err
				}
				cell = Cell{
					Qualifier: []byte{q[0], FixQualifierFlags(q[1], len(v))},
					Value:     v,
				}
			}
			out = append(out, cell)
			continue
		}
		if len(q) == 4 && InMilliseconds(q) {
			out = append(out, cell)
			continue
		}
		// A previously compacted cell: walk the concatenated qualifier
		// and slice the value by the declared widths.
		valIdx := 0
		for i := 0; i < len(q); {
			qlen := QualifierLength(q, i)
			if i+qlen > len(q) {
				return nil, fmt.Errorf("truncated qualifier %x at byte %d", q, i)
			}
			vlen := ValueLengthFromQualifier(q, i)
			if valIdx+vlen > len(cell.Value) {
				return nil, fmt.Errorf("qualifier %x declares more value bytes than cell holds (%d)", q, len(cell.Value))
			}
			out = append(out, Cell{
				Qualifier: q[i : i+qlen],
				Value:     cell.Value[valIdx : valIdx+vlen],
			})
			i += qlen
			valIdx += vlen
		}
		// Anything left beyond the datapoints must be the single meta byte.
		if left := len(cell.Value) - valIdx; left > 1 {
			return nil, fmt.Errorf("compacted cell has %d trailing value bytes, want at most one meta byte", left)
		}
	}
	slices.SortStableFunc(out, CompareOffsets)
	return out, nil
}
