// Package batch implements the pure BatchPlanner function that groups a
// device's measurement definitions into contiguous-address wire transactions
// (spec §4.2).
package batch

import (
	"sort"

	"github.com/tamzrod/modbus-manager/internal/measurement"
	"github.com/tamzrod/modbus-manager/internal/modbuscat"
)

// Slice records where one Definition's values live inside a Batch's result.
type Slice struct {
	Definition measurement.Definition
	Offset     uint16
}

// Batch is a single wire transaction covering a contiguous address range of
// one category, fulfilling one or more measurement definitions.
type Batch struct {
	Category     modbuscat.Category
	StartAddress uint16
	Count        uint16
	Slices       []Slice
}

// Plan partitions defs by category, sorts each category's definitions by
// address, and greedily merges definitions whose address continues the
// running batch (address == previous end_exclusive) into the same batch. A
// gap or overlap starts a new batch. Order across categories is unspecified;
// within a category, batches appear in ascending start_address order.
func Plan(defs []measurement.Definition) []Batch {
	byCategory := make(map[modbuscat.Category][]measurement.Definition)
	var order []modbuscat.Category
	for _, d := range defs {
		if _, seen := byCategory[d.Category]; !seen {
			order = append(order, d.Category)
		}
		byCategory[d.Category] = append(byCategory[d.Category], d)
	}

	var batches []Batch
	for _, cat := range order {
		batches = append(batches, planCategory(cat, byCategory[cat])...)
	}
	return batches
}

func planCategory(cat modbuscat.Category, defs []measurement.Definition) []Batch {
	sorted := make([]measurement.Definition, len(defs))
	copy(sorted, defs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Address < sorted[j].Address })

	var batches []Batch
	for _, d := range sorted {
		if len(batches) > 0 {
			last := &batches[len(batches)-1]
			runningEnd := uint32(last.StartAddress) + uint32(last.Count)
			if uint32(d.Address) == runningEnd {
				offset := uint16(runningEnd - uint32(last.StartAddress))
				last.Slices = append(last.Slices, Slice{Definition: d, Offset: offset})
				last.Count += d.Count
				continue
			}
		}
		batches = append(batches, Batch{
			Category:     cat,
			StartAddress: d.Address,
			Count:        d.Count,
			Slices:       []Slice{{Definition: d, Offset: 0}},
		})
	}
	return batches
}
