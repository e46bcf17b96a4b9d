package acp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ID identifies one request within a connection. It is either an integer or
// a string on the wire; the two forms never compare equal, so 1 and "1" are
// distinct ids. ID is comparable and may be used as a map key.
type ID struct {
	num   int64
	str   string
	isStr bool
}

// NumberID returns an integer id.
func NumberID(n int64) ID { return ID{num: n} }

// StringID returns a string id.
func StringID(s string) ID { return ID{str: s, isStr: true} }

// IsString reports whether the id is the string form.
func (id ID) IsString() bool { return id.isStr }

// Int returns the integer value and whether the id is an integer.
func (id ID) Int() (int64, bool) { return id.num, !id.isStr }

func (id ID) String() string {
	if id.isStr {
		return strconv.Quote(id.str)
	}
	return strconv.FormatInt(id.num, 10)
}

func (id ID) MarshalJSON() ([]byte, error) {
	if id.isStr {
		return json.Marshal(id.str)
	}
	return []byte(strconv.FormatInt(id.num, 10)), nil
}

// UnmarshalJSON accepts a JSON string or an integral JSON number. null,
// fractions, booleans and structured values are rejected.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty id")
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("invalid string id: %w", err)
		}
		*id = StringID(s)
		return nil
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		n, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return fmt.Errorf("id %s is not an integer", data)
		}
		*id = NumberID(n)
		return nil
	default:
		return fmt.Errorf("id must be an integer or a string, got %s", data)
	}
}
