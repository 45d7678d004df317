package executor

import (
	"bytes"
	"database/sql/driver"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// NullDisplay is the text written for NULL values in progress output.
const NullDisplay = "NULL"

// Kind identifies which variant a Value holds.
type Kind uint8

const (
	KindNull Kind = iota
	KindInteger
	KindFloat
	KindText
	KindBoolean
	KindBinary
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInteger:
		return "integer"
	case KindFloat:
		return "float"
	case KindText:
		return "text"
	case KindBoolean:
		return "boolean"
	case KindBinary:
		return "binary"
	case KindOther:
		return "other"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is one result cell. It is a closed variant: Null, Integer, Float,
// Text, Boolean, Binary, or Other, where Other carries the driver value in
// stringified form.
type Value struct {
	kind Kind
	i    int64
	f    float64
	s    string
	b    bool
	bin  []byte
}

func Null() Value { return Value{kind: KindNull} }
func Integer(v int64) Value { return Value{kind: KindInteger, i: v} }
func Float(v float64) Value { return Value{kind: KindFloat, f: v} }
func Text(v string) Value { return Value{kind: KindText, s: v} }
func Boolean(v bool) Value { return Value{kind: KindBoolean, b: v} }
func Binary(v []byte) Value { return Value{kind: KindBinary, bin: bytes.Clone(v)} }
func Other(stringified string) Value { return Value{kind: KindOther, s: stringified} }

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

// Int returns the integer payload.
func (v Value) Int() (int64, bool) { return v.i, v.kind == KindInteger }

// Float64 returns the float payload.
func (v Value) Float64() (float64, bool) { return v.f, v.kind == KindFloat }

// Str returns the payload of a Text or Other value.
func (v Value) Str() (string, bool) { return v.s, v.kind == KindText || v.kind == KindOther }

// Bool returns the boolean payload.
func (v Value) Bool() (bool, bool) { return v.b, v.kind == KindBoolean }

// Bytes returns the binary payload.
func (v Value) Bytes() ([]byte, bool) { return v.bin, v.kind == KindBinary }

// Equal reports whether two values hold the same variant and payload.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindInteger:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f || (math.IsNaN(v.f) && math.IsNaN(o.f))
	case KindBoolean:
		return v.b == o.b
	case KindBinary:
		return bytes.Equal(v.bin, o.bin)
	default:
		return v.s == o.s
	}
}

// String renders the value the way progress output shows it.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return NullDisplay
	case KindInteger:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return formatFloat(v.f)
	case KindBoolean:
		return strconv.FormatBool(v.b)
	case KindBinary:
		return fmt.Sprintf("\\x%x", v.bin)
	default:
		return v.s
	}
}

// MarshalJSON writes the natural JSON form. Floats always carry a decimal
// point or exponent so that they decode back as floats; binary values are
// base64 strings.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindInteger:
		return []byte(strconv.FormatInt(v.i, 10)), nil
	case KindFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return json.Marshal(formatFloat(v.f))
		}
		return []byte(formatFloat(v.f)), nil
	case KindBoolean:
		return json.Marshal(v.b)
	case KindBinary:
		return json.Marshal(base64.StdEncoding.EncodeToString(v.bin))
	default:
		return json.Marshal(v.s)
	}
}

// UnmarshalJSON decodes the natural JSON form. Strings decode as Text, so
// Binary and Other values come back as Text.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*v = Null()
	case bytes.Equal(data, []byte("true")):
		*v = Boolean(true)
	case bytes.Equal(data, []byte("false")):
		*v = Boolean(false)
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = Text(s)
	case len(data) > 0 && (data[0] == '-' || (data[0] >= '0' && data[0] <= '9')):
		s := string(data)
		if !strings.ContainsAny(s, ".eE") {
			if i, err := strconv.ParseInt(s, 10, 64); err == nil {
				*v = Integer(i)
				return nil
			}
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid number %q: %w", s, err)
		}
		*v = Float(f)
	default:
		*v = Other(string(data))
	}
	return nil
}

// FromDriver classifies a value read from a driver. databaseType is the
// column's type name and decides whether a []byte is binary data or text.
func FromDriver(val any, databaseType string) Value {
	if val == nil {
		return Null()
	}

	switch v := val.(type) {
	case bool:
		return Boolean(v)

	case int:
		return Integer(int64(v))
	case int8:
		return Integer(int64(v))
	case int16:
		return Integer(int64(v))
	case int32:
		return Integer(int64(v))
	case int64:
		return Integer(v)
	case uint:
		return fromUint(uint64(v))
	case uint8:
		return Integer(int64(v))
	case uint16:
		return Integer(int64(v))
	case uint32:
		return Integer(int64(v))
	case uint64:
		return fromUint(v)

	case float32:
		return Float(float64(v))
	case float64:
		return Float(v)

	case string:
		return Text(v)
	case []byte:
		// Drivers hand back text as strings; bytes are text only when the
		// column declares a character type.
		if isTextType(databaseType) && utf8.Valid(v) {
			return Text(string(v))
		}
		return Binary(v)

	case time.Time:
		return Other(v.Format(time.RFC3339Nano))
	case time.Duration:
		return Other(v.String())

	// UUID
	case [16]byte:
		return Other(uuid.UUID(v).String())
	case pgtype.UUID:
		if !v.Valid {
			return Null()
		}
		return Other(uuid.UUID(v.Bytes).String())

	// JSON/JSONB
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return Other(fmt.Sprintf("%v", v))
		}
		return Other(string(b))

	case pgtype.Numeric:
		return fromNumeric(v)
	case *big.Int:
		if v.IsInt64() {
			return Integer(v.Int64())
		}
		return Other(v.String())

	case netip.Addr:
		return Other(v.String())
	case netip.Prefix:
		return Other(v.String())
	case net.HardwareAddr:
		return Other(v.String())

	case driver.Valuer:
		inner, err := v.Value()
		if err != nil {
			return Other(fmt.Sprintf("%v", v))
		}
		if _, again := inner.(driver.Valuer); again {
			return Other(fmt.Sprintf("%v", inner))
		}
		return FromDriver(inner, databaseType)

	case fmt.Stringer:
		return Other(v.String())

	default:
		return Other(fmt.Sprintf("%v", v))
	}
}

func fromUint(v uint64) Value {
	if v > math.MaxInt64 {
		return Other(strconv.FormatUint(v, 10))
	}
	return Integer(int64(v))
}

func fromNumeric(v pgtype.Numeric) Value {
	if !v.Valid {
		return Null()
	}
	switch {
	case v.NaN:
		return Other("NaN")
	case v.InfinityModifier == pgtype.Infinity:
		return Other("Infinity")
	case v.InfinityModifier == pgtype.NegativeInfinity:
		return Other("-Infinity")
	}
	if v.Exp == 0 && v.Int != nil && v.Int.IsInt64() {
		return Integer(v.Int.Int64())
	}
	// Keep the exact decimal text rather than rounding through float64.
	text, err := v.MarshalJSON()
	if err != nil {
		return Other(fmt.Sprintf("%v", v))
	}
	return Other(string(text))
}

// isTextType reports whether a column type name denotes character data.
func isTextType(databaseType string) bool {
	t := strings.ToUpper(databaseType)
	for _, name := range []string{"CHAR", "TEXT", "CLOB", "JSON", "XML", "NAME"} {
		if strings.Contains(t, name) {
			return true
		}
	}
	return false
}

// formatFloat uses the shortest representation that round-trips and always
// keeps a decimal point.
func formatFloat(f float64) string {
	if math.IsNaN(f) {
		return "NaN"
	}
	if math.IsInf(f, 1) {
		return "Infinity"
	}
	if math.IsInf(f, -1) {
		return "-Infinity"
	}

	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}
