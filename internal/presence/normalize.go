package presence

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnrecognizedStatus = errors.New("unrecognized presence status")
	ErrInvalidMAC         = errors.New("invalid mac address")
)

type PayloadKind int

const (
	KindBool PayloadKind = iota + 1
	KindEnum
	KindStructured
)

// StatusPayload is one presence report in any of the shapes desk units send.
type StatusPayload struct {
	Kind    PayloadKind
	Value   bool
	Enum    string
	Present *bool
	Status  string
}

func Bool(v bool) StatusPayload { return StatusPayload{Kind: KindBool, Value: v} }

func Enum(s string) StatusPayload { return StatusPayload{Kind: KindEnum, Enum: s} }

func Structured(present *bool, status string) StatusPayload {
	return StatusPayload{Kind: KindStructured, Present: present, Status: status}
}

var enumStatus = map[string]bool{
	"AVAILABLE":             true,
	"PRESENT":               true,
	"FACULTY_PRESENT":       true,
	"KEYCHAIN_CONNECTED":    true,
	"AWAY":                  false,
	"OFFLINE":               false,
	"UNAVAILABLE":           false,
	"FACULTY_ABSENT":        false,
	"KEYCHAIN_DISCONNECTED": false,
}

func matchEnum(s string) (bool, bool) {
	key := strings.ToUpper(strings.TrimSpace(s))
	if key == "" {
		return false, false
	}
	if v, ok := enumStatus[key]; ok {
		return v, true
	}
	// Busy faculty are physically present but cannot take consultations.
	if strings.Contains(key, "BUSY") {
		return false, true
	}
	return false, false
}

// Normalize reduces p to the canonical availability flag. A status string wins
// over the present flag; anything unmatched is rejected.
func Normalize(p StatusPayload) (bool, error) {
	switch p.Kind {
	case KindBool:
		return p.Value, nil
	case KindEnum:
		if v, ok := matchEnum(p.Enum); ok {
			return v, nil
		}
		return false, fmt.Errorf("%w: %q", ErrUnrecognizedStatus, p.Enum)
	case KindStructured:
		if v, ok := matchEnum(p.Status); ok {
			return v, nil
		}
		if p.Present != nil {
			return *p.Present, nil
		}
		return false, fmt.Errorf("%w: status %q without present flag", ErrUnrecognizedStatus, p.Status)
	}
	return false, fmt.Errorf("%w: empty payload", ErrUnrecognizedStatus)
}

// ParsePayload decodes a raw MQTT payload. JSON booleans, 0/1, strings and
// objects are accepted; anything that is not JSON is taken as a plain-text
// token.
func ParsePayload(raw []byte) (StatusPayload, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return StatusPayload{}, fmt.Errorf("%w: empty payload", ErrUnrecognizedStatus)
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return Enum(string(trimmed)), nil
	}
	return payloadFromJSON(v)
}

func payloadFromJSON(v any) (StatusPayload, error) {
	switch t := v.(type) {
	case bool:
		return Bool(t), nil
	case float64:
		switch t {
		case 1:
			return Bool(true), nil
		case 0:
			return Bool(false), nil
		}
		return StatusPayload{}, fmt.Errorf("%w: number %v", ErrUnrecognizedStatus, t)
	case string:
		return Enum(t), nil
	case map[string]any:
		var present *bool
		if p, ok := t["present"].(bool); ok {
			present = &p
		}
		switch s := t["status"].(type) {
		case bool:
			if present == nil {
				return Bool(s), nil
			}
		case string:
			return Structured(present, s), nil
		}
		return Structured(present, ""), nil
	}
	return StatusPayload{}, fmt.Errorf("%w: unsupported payload %T", ErrUnrecognizedStatus, v)
}

// NormalizeMAC returns mac as upper-case colon separated octets.
func NormalizeMAC(mac string) (string, error) {
	cleaned := strings.NewReplacer(":", "", "-", "", ".", "", " ", "").Replace(strings.TrimSpace(mac))
	if len(cleaned) != 12 {
		return "", fmt.Errorf("%w: %q", ErrInvalidMAC, mac)
	}
	cleaned = strings.ToUpper(cleaned)
	var b strings.Builder
	for i := 0; i < 12; i += 2 {
		c0, c1 := cleaned[i], cleaned[i+1]
		if !isHex(c0) || !isHex(c1) {
			return "", fmt.Errorf("%w: %q", ErrInvalidMAC, mac)
		}
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteByte(c0)
		b.WriteByte(c1)
	}
	return b.String(), nil
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'A' && c <= 'F')
}
