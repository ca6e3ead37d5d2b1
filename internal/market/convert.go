package market

import (
	"encoding/json"
	"strconv"
)

// StrOrNum tolerates Binance fields that arrive either as JSON strings or
// as bare numbers.
type StrOrNum string

func (s *StrOrNum) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = StrOrNum(v)
		return nil
	}
	*s = StrOrNum(string(b))
	return nil
}

func (s StrOrNum) Float() float64 {
	f, _ := strconv.ParseFloat(string(s), 64)
	return f
}

func (s StrOrNum) Int64() int64 {
	if v, err := strconv.ParseInt(string(s), 10, 64); err == nil {
		return v
	}
	f, _ := strconv.ParseFloat(string(s), 64)
	return int64(f)
}

// IsZero reports whether the raw field was absent or empty.
func (s StrOrNum) IsZero() bool { return s == "" || s == "null" }

// ToFloat converts a decoded JSON value (string or number) to float64.
func ToFloat(v any) float64 {
	switch t := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case float64:
		return t
	default:
		return 0
	}
}

// ToInt64 converts a decoded JSON value (string or number) to int64.
func ToInt64(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return int64(f)
	default:
		return 0
	}
}

// ToInt64At reads index idx of a kline row, tolerating short rows.
func ToInt64At(row []any, idx int) int64 {
	if idx < 0 || idx >= len(row) {
		return 0
	}
	return ToInt64(row[idx])
}
