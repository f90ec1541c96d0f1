package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// FlexibleID decodes an id sent either as a JSON number or as a numeric
// string. Desk firmware versions disagree on which.
type FlexibleID int64

func (id *FlexibleID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*id = 0
			return nil
		}
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id %q", s)
		}
		*id = FlexibleID(v)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("invalid id %s", data)
	}
	if f != float64(int64(f)) {
		return fmt.Errorf("invalid id %s", data)
	}
	*id = FlexibleID(int64(f))
	return nil
}

func (id FlexibleID) Int64() int64 { return int64(id) }
