package ledger

import (
	"fmt"
	"strconv"
	"strings"
)

const unitSeparator = "#"

// UnitID names the index-th physical unit of an ordered line.
func UnitID(itemID string, index int) string {
	return fmt.Sprintf("%s%s%d", itemID, unitSeparator, index)
}

func ParseUnitID(unitID string) (itemID string, index int, err error) {
	pos := strings.LastIndex(unitID, unitSeparator)
	if pos <= 0 || pos == len(unitID)-1 {
		return "", 0, fmt.Errorf("malformed unit id %q", unitID)
	}
	index, err = strconv.Atoi(unitID[pos+1:])
	if err != nil || index < 0 {
		return "", 0, fmt.Errorf("malformed unit id %q", unitID)
	}
	return unitID[:pos], index, nil
}

// CountUnitsByItem groups unit ids per ordered line, keeping first-seen
// line order. Duplicate unit ids count once.
func CountUnitsByItem(unitIDs []string) (order []string, counts map[string]int, err error) {
	counts = make(map[string]int)
	seen := make(map[string]struct{}, len(unitIDs))
	for _, unitID := range unitIDs {
		if _, dup := seen[unitID]; dup {
			continue
		}
		seen[unitID] = struct{}{}
		itemID, _, err := ParseUnitID(unitID)
		if err != nil {
			return nil, nil, err
		}
		if _, ok := counts[itemID]; !ok {
			order = append(order, itemID)
		}
		counts[itemID]++
	}
	return order, counts, nil
}
