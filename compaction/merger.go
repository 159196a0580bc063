package compaction

import (
	"bytes"
	"errors"
	"slices"

	"github.com/rajeshal/opentsdb/annotation"
	"github.com/rajeshal/opentsdb/core"
)

// Outcome describes what the merger did with a row.
type Outcome int

const (
	// OutcomeEmpty means no datapoint cells were left to merge.
	OutcomeEmpty Outcome = iota
	// OutcomeSingleKept means the row held a single cell which was kept
	// (after the legacy floating point repair, if needed).
	OutcomeSingleKept
	// OutcomeTrivialMerged means every cell was a single datapoint and
	// they were concatenated directly.
	OutcomeTrivialMerged
	// OutcomeComplexMerged means the row held partially compacted cells
	// or duplicates and was rebuilt datapoint by datapoint.
	OutcomeComplexMerged
	// OutcomeAlreadyAppended means an append-style cell already carries
	// the canonical form; nothing needs to be written.
	OutcomeAlreadyAppended
)

func (o Outcome) String() string {
	switch o {
	case OutcomeEmpty:
		return "empty"
	case OutcomeSingleKept:
		return "single"
	case OutcomeTrivialMerged:
		return "trivial"
	case OutcomeComplexMerged:
		return "complex"
	case OutcomeAlreadyAppended:
		return "appended"
	default:
		return "unknown"
	}
}

// mergeResult is the full product of merging one row's cells.
type mergeResult struct {
	// Cell is the canonical compacted cell.
	Cell    core.Cell
	Outcome Outcome
	// Write reports whether Cell must be written back; it is cleared
	// when the store already holds a cell identical to Cell.
	Write bool
	// Deletes lists the qualifiers of the original cells superseded by
	// Cell. Annotation cells, append cells and a pre-existing copy of
	// the canonical cell are never listed.
	Deletes [][]byte
}

// errDuplicateOffset routes a trivial merge that ran into two datapoints
// at the same delta onto the complex path, which collapses identical
// duplicates and rejects conflicting ones.
var errDuplicateOffset = errors.New("duplicate datapoint offset")

// rowScan is the result of one preprocessing pass over a row's cells.
type rowScan struct {
	kept       []core.Cell // datapoint cells surviving the pass
	trivial    bool        // every kept cell is a single datapoint
	msInRow    bool
	sInRow     bool
	qualLen    int // bytes needed for the merged qualifier
	valLen     int // bytes needed for the merged value, meta byte included
	longest    int // index in kept of the longest qualifier, -1 if none
	appendCell *core.Cell
}

// scanRow classifies every cell of a row: annotations are decoded and set
// aside, the append sentinel is recorded, malformed cells are dropped,
// and the remaining datapoint cells are measured to decide between the
// trivial and complex merge paths.
func (c *Compactor) scanRow(key []byte, cells []core.Cell, annotations *[]annotation.Annotation) (*rowScan, error) {
	s := &rowScan{trivial: true, valLen: 1, longest: -1}
	for _, cell := range cells {
		q := cell.Qualifier
		n := len(q)
		if n != 2 && n != 4 {
			if n%2 != 0 || n == 0 {
				switch {
				case n > 0 && q[0] == core.AnnotationPrefix:
					note, err := annotation.Parse(cell.Value)
					if err != nil {
						return nil, &core.MalformedRowError{Key: key, Message: "corrupt annotation cell", Err: err}
					}
					if annotations != nil {
						*annotations = append(*annotations, note)
					}
				case bytes.Equal(q, core.AppendQualifier):
					if s.appendCell != nil {
						// Two append cells in one row should never
						// happen; keep the first.
						c.logger.Error("multiple append cells for the same row key",
							"row", core.PrettyKey(key))
					} else {
						kept := cell
						s.appendCell = &kept
					}
				default:
					// Neither a datapoint nor metadata we understand.
				}
				continue
			}
			// A previously compacted cell: the row needs the complex path.
			s.trivial = false
			if s.longest < 0 || n > len(s.kept[s.longest].Qualifier) {
				s.longest = len(s.kept)
			}
			if v := cell.Value; len(v) > 0 && v[len(v)-1]&core.MSMixedCompact != 0 {
				s.msInRow, s.sInRow = true, true
			} else if core.InMilliseconds(q) {
				s.msInRow = true
			} else {
				s.sInRow = true
			}
			s.qualLen += n
			s.kept = append(s.kept, cell)
			continue
		}

		if core.InMilliseconds(q) {
			s.msInRow = true
		} else {
			s.sInRow = true
		}
		if s.longest < 0 || n > len(s.kept[s.longest].Qualifier) {
			s.longest = len(s.kept)
		}
		if n == 4 {
			// Four bytes is either one millisecond datapoint or two
			// concatenated second datapoints; the latter needs the
			// complex path.
			if !core.InMilliseconds(q) {
				s.trivial = false
			}
			s.valLen += len(cell.Value)
		} else {
			if core.FloatingPointValueToFix(q[1], cell.Value) {
				s.valLen += 4
			} else {
				s.valLen += len(cell.Value)
			}
		}
		s.qualLen += n
		s.kept = append(s.kept, cell)
	}
	return s, nil
}

// merge turns all cells of one row into a single canonical cell.
// Annotations found along the way are appended to annotations when it is
// non-nil.
func (c *Compactor) merge(key []byte, cells []core.Cell, annotations *[]annotation.Annotation) (*mergeResult, error) {
	s, err := c.scanRow(key, cells, annotations)
	if err != nil {
		return nil, err
	}

	switch len(s.kept) {
	case 0:
		if s.appendCell != nil {
			return &mergeResult{Cell: *s.appendCell, Outcome: OutcomeAlreadyAppended}, nil
		}
		return &mergeResult{Outcome: OutcomeEmpty}, nil
	case 1:
		cell := s.kept[0]
		if q := cell.Qualifier; len(q) == 2 && core.FloatingPointValueToFix(q[1], cell.Value) {
			v, err := core.FixFloatingPointValue(q[1], cell.Value)
			if err != nil {
				return nil, &core.MalformedRowError{Key: key, Message: "unfixable floating point value", Err: err}
			}
			cell = core.Cell{
				Qualifier: []byte{q[0], core.FixQualifierFlags(q[1], len(v))},
				Value:     v,
			}
		}
		return &mergeResult{Cell: cell, Outcome: OutcomeSingleKept}, nil
	}

	mixed := s.msInRow && s.sInRow
	if s.trivial {
		cell, err := trivialCompact(key, s.kept, s.qualLen, s.valLen, mixed)
		switch {
		case err == nil:
			c.trivialCompactions.Add(1)
			return &mergeResult{
				Cell:    cell,
				Outcome: OutcomeTrivialMerged,
				Write:   true,
				Deletes: qualifiersExcluding(s.kept, nil),
			}, nil
		case !errors.Is(err, errDuplicateOffset):
			return nil, err
		}
		// Identical datapoints written twice fall through to the
		// complex path, which collapses them.
	}

	cell, err := complexCompact(key, s.kept, s.qualLen/2, mixed)
	if err != nil {
		return nil, err
	}
	c.complexCompactions.Add(1)
	res := &mergeResult{Cell: cell, Outcome: OutcomeComplexMerged, Write: true}

	// The canonical qualifier may coincide with one of the qualifiers
	// already in the row, typically after a re-compaction triggered by a
	// late single-point write. We must not delete what we are about to
	// write (or what is already correctly compacted). Since we tracked
	// the longest original qualifier, check it first; only fall back to
	// scanning every cell when the lengths leave a collision possible.
	dup := -1
	if s.longest >= 0 && len(cell.Qualifier) <= len(s.kept[s.longest].Qualifier) {
		if bytes.Equal(s.kept[s.longest].Qualifier, cell.Qualifier) {
			dup = s.longest
		} else {
			for i := range s.kept {
				if bytes.Equal(s.kept[i].Qualifier, cell.Qualifier) {
					dup = i
					break
				}
			}
		}
		if dup >= 0 && bytes.Equal(s.kept[dup].Value, cell.Value) {
			// The store already holds the canonical form of this row.
			res.Write = false
		}
	}
	if dup >= 0 {
		// Every original sharing the canonical qualifier must stay off
		// the delete list, or the delete would erase the canonical cell.
		res.Deletes = qualifiersExcluding(s.kept, cell.Qualifier)
	} else {
		res.Deletes = qualifiersExcluding(s.kept, nil)
	}
	return res, nil
}

// trivialCompact concatenates single-datapoint cells in delta order. The
// store's scan order already guarantees ascending deltas unless second
// and millisecond datapoints are mixed, in which case the cells are
// sorted first.
func trivialCompact(key []byte, cells []core.Cell, qualLen, valLen int, mixed bool) (core.Cell, error) {
	if mixed {
		cells = append([]core.Cell(nil), cells...)
		slices.SortStableFunc(cells, core.CompareOffsets)
	}
	qualifier := make([]byte, 0, qualLen)
	value := make([]byte, 0, valLen)
	lastDelta := -1
	for _, cell := range cells {
		q := cell.Qualifier
		delta := core.OffsetFromQualifier(q, 0)
		if delta == lastDelta {
			return core.Cell{}, errDuplicateOffset
		}
		if delta < lastDelta {
			return core.Cell{}, core.NewMalformedRowError(key,
				"out of order data: last_delta=%d, delta=%d, offending qualifier=%x", lastDelta, delta, q)
		}
		lastDelta = delta

		if len(q) == 2 && core.FloatingPointValueToFix(q[1], cell.Value) {
			v, err := core.FixFloatingPointValue(q[1], cell.Value)
			if err != nil {
				return core.Cell{}, &core.MalformedRowError{Key: key, Message: "unfixable floating point value", Err: err}
			}
			qualifier = append(qualifier, q[0], core.FixQualifierFlags(q[1], len(v)))
			value = append(value, v...)
		} else {
			qualifier = append(qualifier, q...)
			value = append(value, cell.Value...)
		}
	}
	value = append(value, 0)
	if mixed {
		value[len(value)-1] |= core.MSMixedCompact
	}
	return core.Cell{Qualifier: qualifier, Value: value}, nil
}

// complexCompact rebuilds a row that holds partially compacted cells (or
// duplicates): every cell is split into individual datapoints, sorted,
// and merged while collapsing true duplicates. Duplicate deltas with
// differing flags or values mean the row is corrupt.
func complexCompact(key []byte, cells []core.Cell, estimate int, mixed bool) (core.Cell, error) {
	dps, err := core.ExtractDataPoints(cells, estimate)
	if err != nil {
		return core.Cell{}, &core.MalformedRowError{Key: key, Message: "cannot split row into datapoints", Err: err}
	}

	skip := make([]bool, len(dps))
	qualLen := 0
	valLen := 1 // reserve the meta byte
	lastDelta := -1
	for i, dp := range dps {
		delta := dp.Offset()
		if delta == lastDelta {
			// The first datapoint can never be marked, so prev stays
			// in range.
			prev := i - 1
			for skip[prev] {
				prev--
			}
			if !bytes.Equal(dp.Qualifier, dps[prev].Qualifier) || !bytes.Equal(dp.Value, dps[prev].Value) {
				return core.Cell{}, core.NewMalformedRowError(key,
					"duplicate datapoint at delta=%d with conflicting flags or value (qualifier=%x)", delta, dp.Qualifier)
			}
			// A true duplicate, same qualifier and value: mark it so
			// the copy loop leaves it out.
			skip[i] = true
			continue
		}
		lastDelta = delta
		qualLen += len(dp.Qualifier)
		valLen += len(dp.Value)
	}

	qualifier := make([]byte, 0, qualLen)
	value := make([]byte, 0, valLen)
	for i, dp := range dps {
		if skip[i] {
			continue
		}
		qualifier = append(qualifier, dp.Qualifier...)
		value = append(value, dp.Value...)
	}
	value = append(value, 0)
	if mixed {
		value[len(value)-1] |= core.MSMixedCompact
	}
	return core.Cell{Qualifier: qualifier, Value: value}, nil
}

// qualifiersExcluding collects the qualifiers of cells, leaving out any
// equal to match when match is non-nil.
func qualifiersExcluding(cells []core.Cell, match []byte) [][]byte {
	out := make([][]byte, 0, len(cells))
	for i := range cells {
		if match != nil && bytes.Equal(cells[i].Qualifier, match) {
			continue
		}
		out = append(out, cells[i].Qualifier)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
