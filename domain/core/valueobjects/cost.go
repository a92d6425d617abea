package valueobjects

import (
	"errors"
	"fmt"
	"math"
)

// costScale is the fixed-point scale for monetary amounts (micro-units).
const costScale = 1_000_000

// Cost is a monetary amount accrued by AI-backed phase executions.
// Stored as fixed-point micro-units so accumulation stays exact.
type Cost struct {
	micros int64
}

// ZeroCost is the additive identity
var ZeroCost = Cost{}

// NewCost creates a Cost from a decimal amount
func NewCost(amount float64) (Cost, error) {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return Cost{}, errors.New("cost must be a finite amount")
	}
	if amount < 0 {
		return Cost{}, errors.New("cost cannot be negative")
	}
	return Cost{micros: int64(math.Round(amount * costScale))}, nil
}

// MustCost creates a Cost and panics on invalid input; for constants and tests
func MustCost(amount float64) Cost {
	c, err := NewCost(amount)
	if err != nil {
		panic(err)
	}
	return c
}

// NewCostFromMicros restores a Cost from its stored fixed-point value
func NewCostFromMicros(micros int64) Cost {
	return Cost{micros: micros}
}

// Micros returns the fixed-point value for exact storage
func (c Cost) Micros() int64 {
	return c.micros
}

// Add returns the sum of two costs
func (c Cost) Add(other Cost) Cost {
	return Cost{micros: c.micros + other.micros}
}

// Amount returns the decimal value of the cost
func (c Cost) Amount() float64 {
	return float64(c.micros) / costScale
}

// IsZero reports whether the cost is zero
func (c Cost) IsZero() bool {
	return c.micros == 0
}

// Equals checks if two costs are equal
func (c Cost) Equals(other Cost) bool {
	return c.micros == other.micros
}

// String formats the cost with four decimal places
func (c Cost) String() string {
	return fmt.Sprintf("%.4f", c.Amount())
}

// MarshalJSON implements json.Marshaler
func (c Cost) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%g", c.Amount())), nil
}

// UnmarshalJSON implements json.Unmarshaler
func (c *Cost) UnmarshalJSON(data []byte) error {
	var amount float64
	if _, err := fmt.Sscanf(string(data), "%g", &amount); err != nil {
		return errors.New("cost must be a number")
	}
	parsed, err := NewCost(amount)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
