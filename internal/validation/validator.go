// Package validation разбирает и проверяет входящие показания датчиков.
package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"
	"unicode/utf8"

	"sensor-anomaly/internal/models"
)

// Ограничения схемы SensorEvent
const (
	StationIDMaxLen = 64
	SequenceMin     = 1

	TemperatureMin = -50.0
	TemperatureMax = 200.0
	HumidityMin    = 0.0
	HumidityMax    = 100.0
	SoundMin       = 0.0
	SoundMax       = 200.0
)

// Типы нарушений
const (
	TypeMissing      = "missing"
	TypeStringType   = "string_type"
	TypeIntType      = "int_type"
	TypeFloatType    = "float_type"
	TypeStringShort  = "string_too_short"
	TypeStringLong   = "string_too_long"
	TypeGreaterEqual = "greater_than_equal"
	TypeLessEqual    = "less_than_equal"
)

// MalformedInputError тело не является JSON-объектом
type MalformedInputError struct {
	Reason string
}

func (e *MalformedInputError) Error() string {
	return "malformed input: " + e.Reason
}

// Violation нарушение ограничения одного поля
type Violation struct {
	Type  string         `json:"type"`
	Loc   []string       `json:"loc"`
	Msg   string         `json:"msg"`
	Input any            `json:"input,omitempty"`
	Ctx   map[string]any `json:"ctx,omitempty"`
}

// ValidationError объект корректен, но поля нарушают схему
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	fields := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		fields = append(fields, strings.Join(v.Loc, ".")+": "+v.Type)
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(fields, ", "))
}

// Fields возвращает имена полей с нарушениями
func (e *ValidationError) Fields() []string {
	out := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		out = append(out, strings.Join(v.Loc, "."))
	}
	return out
}

// Parsed результат успешной валидации
type Parsed struct {
	Event models.SensorEvent
	// Raw исходное тело запроса без изменений
	Raw json.RawMessage
}

// Validate разбирает тело запроса и проверяет все поля сразу.
// Возвращает *MalformedInputError или *ValidationError.
func Validate(raw []byte) (Parsed, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Parsed{}, &MalformedInputError{Reason: "empty body"}
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	var payload any
	if err := dec.Decode(&payload); err != nil {
		return Parsed{}, &MalformedInputError{Reason: err.Error()}
	}
	// после значения допустим только конец ввода; лишние "}" или "]" тоже ошибка
	if err := dec.Decode(&json.RawMessage{}); err != io.EOF {
		return Parsed{}, &MalformedInputError{Reason: "trailing data after JSON value"}
	}

	obj, ok := payload.(map[string]any)
	if !ok {
		return Parsed{}, &MalformedInputError{Reason: fmt.Sprintf("expected JSON object, got %s", kindOf(payload))}
	}

	c := checker{obj: obj}
	event := models.SensorEvent{
		Timestamp:    c.str("timestamp", 0, 0),
		Sequence:     c.integer("sequence", SequenceMin),
		StationID:    c.str("station_id", 1, StationIDMaxLen),
		TemperatureC: c.float("temperature_c", TemperatureMin, TemperatureMax),
		HumidityPct:  c.float("humidity_pct", HumidityMin, HumidityMax),
		SoundDB:      c.float("sound_db", SoundMin, SoundMax),
	}

	if len(c.violations) > 0 {
		return Parsed{}, &ValidationError{Violations: c.violations}
	}

	return Parsed{Event: event, Raw: json.RawMessage(trimmed)}, nil
}

// checker накапливает нарушения по полям объекта
type checker struct {
	obj        map[string]any
	violations []Violation
}

func (c *checker) add(field, typ, msg string, input any, ctx map[string]any) {
	c.violations = append(c.violations, Violation{
		Type:  typ,
		Loc:   []string{field},
		Msg:   msg,
		Input: input,
		Ctx:   ctx,
	})
}

func (c *checker) lookup(field string) (any, bool) {
	v, ok := c.obj[field]
	if !ok {
		// как в pydantic: input отсутствующего поля это весь объект
		c.add(field, TypeMissing, "Field required", c.obj, nil)
	}
	return v, ok
}

// str проверяет строковое поле; maxLen = 0 без ограничения длины
func (c *checker) str(field string, minLen, maxLen int) string {
	v, ok := c.lookup(field)
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		c.add(field, TypeStringType, "Input should be a valid string", v, nil)
		return ""
	}

	n := utf8.RuneCountInString(s)
	if minLen > 0 && n < minLen {
		c.add(field, TypeStringShort,
			fmt.Sprintf("String should have at least %d character", minLen), s,
			map[string]any{"min_length": minLen})
	}
	if maxLen > 0 && n > maxLen {
		c.add(field, TypeStringLong,
			fmt.Sprintf("String should have at most %d characters", maxLen), s,
			map[string]any{"max_length": maxLen})
	}
	return s
}

func (c *checker) integer(field string, min int64) int64 {
	v, ok := c.lookup(field)
	if !ok {
		return 0
	}
	num, ok := v.(json.Number)
	if !ok {
		c.add(field, TypeIntType, "Input should be a valid integer", v, nil)
		return 0
	}

	n, err := num.Int64()
	if err != nil {
		// 1.0 допустимо, 1.5 нет
		f, ferr := num.Float64()
		if ferr != nil || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
			c.add(field, TypeIntType, "Input should be a valid integer", numberInput(num), nil)
			return 0
		}
		n = int64(f)
	}

	if n < min {
		c.add(field, TypeGreaterEqual,
			fmt.Sprintf("Input should be greater than or equal to %d", min), n,
			map[string]any{"ge": min})
	}
	return n
}

func (c *checker) float(field string, min, max float64) float64 {
	v, ok := c.lookup(field)
	if !ok {
		return 0
	}
	num, ok := v.(json.Number)
	if !ok {
		c.add(field, TypeFloatType, "Input should be a valid number", v, nil)
		return 0
	}
	f, err := num.Float64()
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		c.add(field, TypeFloatType, "Input should be a finite number", numberInput(num), nil)
		return 0
	}

	if f < min {
		c.add(field, TypeGreaterEqual,
			fmt.Sprintf("Input should be greater than or equal to %s", formatBound(min)), f,
			map[string]any{"ge": min})
	}
	if f > max {
		c.add(field, TypeLessEqual,
			fmt.Sprintf("Input should be less than or equal to %s", formatBound(max)), f,
			map[string]any{"le": max})
	}
	return f
}

func numberInput(num json.Number) any {
	if f, err := num.Float64(); err == nil && !math.IsInf(f, 0) {
		return f
	}
	return num.String()
}

func formatBound(f float64) string {
	return fmt.Sprintf("%g", f)
}

func kindOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case json.Number:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	default:
		return fmt.Sprintf("%T", v)
	}
}
