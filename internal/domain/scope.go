package domain

import (
	"errors"
	"strconv"
	"strings"
)

var ErrInvalidScope = errors.New("invalid count scope")

// NormalizeCountScope upper-cases the type and falls back to ALL when a
// CATEGORY or SUPPLIER scope carries no value.
func NormalizeCountScope(countType string, scope string) (CountScope, error) {
	countType = strings.ToUpper(strings.TrimSpace(countType))
	scope = strings.TrimSpace(scope)
	if countType == "" {
		countType = CountTypeAll
	}

	switch countType {
	case CountTypeAll:
		return CountScope{Type: CountTypeAll}, nil
	case CountTypeCategory, CountTypeSupplier:
		if scope == "" {
			return CountScope{Type: CountTypeAll}, nil
		}
		out := CountScope{Type: countType, Scope: scope}
		if countType == CountTypeSupplier {
			if _, err := out.SupplierID(); err != nil {
				return CountScope{}, err
			}
		}
		return out, nil
	default:
		return CountScope{}, ErrInvalidScope
	}
}

func (s CountScope) SupplierID() (int64, error) {
	id, err := strconv.ParseInt(s.Scope, 10, 64)
	if err != nil || id < 1 {
		return 0, ErrInvalidScope
	}
	return id, nil
}
