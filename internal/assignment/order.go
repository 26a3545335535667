// Package assignment orders and filters due-soon assignment lists.
package assignment

import (
	"slices"
	"strings"

	"duecal/internal/model"
)

// Compare orders assignments for display: dated before undated, earlier due
// dates first, then byte-wise title order. Two undated assignments with the
// same title compare equal.
func Compare(a, b model.Assignment) int {
	switch {
	case a.DueAt != nil && b.DueAt != nil:
		if c := a.DueAt.Compare(*b.DueAt); c != 0 {
			return c
		}
	case a.DueAt != nil:
		return -1
	case b.DueAt != nil:
		return 1
	}
	return strings.Compare(a.Title, b.Title)
}

// Sort orders items in place with Compare. The sort is stable, so items that
// compare equal keep their input order.
func Sort(items []model.Assignment) {
	slices.SortStableFunc(items, Compare)
}
