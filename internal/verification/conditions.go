package verification

import (
	"fmt"
	"math"
	"time"
)

// evaluateConditions checks the proof against the agreed delivery terms and
// returns one reason per unmet term.
func evaluateConditions(p DeliveryProof, c Conditions) []string {
	var reasons []string

	if p.Kind != c.RequiredKind {
		reasons = append(reasons, fmt.Sprintf("Proof type mismatch: expected %s, got %s", c.RequiredKind, p.Kind))
	}

	if !c.ExpectedBy.IsZero() && p.Timestamp.After(c.ExpectedBy) {
		days := math.Ceil(p.Timestamp.Sub(c.ExpectedBy).Hours() / 24)
		reasons = append(reasons, fmt.Sprintf("Delivery is %.0f day(s) late", days))
	}

	for _, key := range c.Requirements {
		if !present(p.Data.Metadata[key]) {
			reasons = append(reasons, fmt.Sprintf("Missing required metadata: %s", key))
		}
	}

	return reasons
}

// present reports whether a metadata value counts as supplied. Nil, empty
// strings, false and zero numbers do not.
func present(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		return x != ""
	case bool:
		return x
	case float64:
		return x != 0 && !math.IsNaN(x)
	case int:
		return x != 0
	case int64:
		return x != 0
	case time.Time:
		return !x.IsZero()
	}
	return true
}
