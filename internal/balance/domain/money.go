package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Money is an amount in integer cents.
type Money int64

// Cents builds a Money value from cents.
func Cents(v int64) Money { return Money(v) }

// Int64 returns the amount in cents.
func (m Money) Int64() int64 { return int64(m) }

// String formats the amount with two decimal places, e.g. "1.26".
func (m Money) String() string {
	v := int64(m)
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// MarshalJSON encodes the amount as a decimal string.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON accepts either a decimal string or a JSON number.
func (m *Money) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		var num json.Number
		if numErr := json.Unmarshal(data, &num); numErr != nil {
			return ErrInvalidAmount
		}
		raw = num.String()
	}
	parsed, err := ParseMoney(raw)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ParseMoney parses a decimal amount with at most two fractional digits.
func ParseMoney(raw string) (Money, error) {
	value := strings.TrimSpace(raw)
	value = strings.TrimPrefix(value, "$")
	if value == "" {
		return 0, ErrInvalidAmount
	}

	negative := false
	if strings.HasPrefix(value, "-") {
		negative = true
		value = value[1:]
	}

	whole, frac, hasFrac := strings.Cut(value, ".")
	if whole == "" {
		whole = "0"
	}
	if hasFrac {
		if len(frac) == 0 || len(frac) > 2 {
			return 0, ErrInvalidAmount
		}
		if len(frac) == 1 {
			frac += "0"
		}
	} else {
		frac = "00"
	}

	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || units < 0 {
		return 0, ErrInvalidAmount
	}
	cents, err := strconv.ParseInt(frac, 10, 64)
	if err != nil || cents < 0 {
		return 0, ErrInvalidAmount
	}

	total := units*100 + cents
	if negative {
		total = -total
	}
	return Money(total), nil
}

// SubClamped subtracts cost and never returns a value below zero.
func (m Money) SubClamped(cost Money) Money {
	if cost >= m {
		return 0
	}
	return m - cost
}
