package storage

import (
	"errors"
	"strconv"
	"strings"
)

// Limits границы выборки последних аномалий
type Limits struct {
	Default int
	Min     int
	Max     int
}

// DefaultLimits limit=10, диапазон [1, 100]
func DefaultLimits() Limits {
	return Limits{Default: 10, Min: 1, Max: 100}
}

// Clamp приводит n к [Min, Max]
func (l Limits) Clamp(n int) int {
	if n < l.Min {
		return l.Min
	}
	if n > l.Max {
		return l.Max
	}
	return n
}

// Parse разбирает параметр запроса limit. Пустое или нечисловое значение
// дает Default, числовое приводится к диапазону. Ошибок не бывает.
func (l Limits) Parse(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return l.Clamp(l.Default)
	}

	n, err := strconv.Atoi(raw)
	if err != nil {
		// число вне диапазона int все равно число
		if errors.Is(err, strconv.ErrRange) {
			if strings.HasPrefix(raw, "-") {
				return l.Min
			}
			return l.Max
		}
		return l.Clamp(l.Default)
	}
	return l.Clamp(n)
}
