package presence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(v bool) *bool { return &v }

func TestNormalizeAcceptedShapes(t *testing.T) {
	cases := []struct {
		name    string
		payload StatusPayload
		want    bool
	}{
		{name: "bool true", payload: Bool(true), want: true},
		{name: "bool false", payload: Bool(false), want: false},
		{name: "available", payload: Enum("AVAILABLE"), want: true},
		{name: "present lower", payload: Enum("present"), want: true},
		{name: "busy", payload: Enum("BUSY"), want: false},
		{name: "busy variant", payload: Enum("busy_in_meeting"), want: false},
		{name: "away", payload: Enum("AWAY"), want: false},
		{name: "offline", payload: Enum("OFFLINE"), want: false},
		{name: "unavailable", payload: Enum("UNAVAILABLE"), want: false},
		{name: "legacy connected", payload: Enum("keychain_connected"), want: true},
		{name: "legacy absent", payload: Enum("faculty_absent"), want: false},
		{name: "present flag", payload: Structured(boolPtr(true), ""), want: true},
		{name: "status wins over present", payload: Structured(boolPtr(true), "BUSY"), want: false},
		{name: "unknown status falls back to present", payload: Structured(boolPtr(false), "PURPLE"), want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Normalize(tc.payload)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeRejectsUnknown(t *testing.T) {
	for _, p := range []StatusPayload{
		Enum("PURPLE"),
		Enum(""),
		Structured(nil, "PURPLE"),
		Structured(nil, ""),
		{},
	} {
		_, err := Normalize(p)
		assert.ErrorIs(t, err, ErrUnrecognizedStatus)
	}
}

func TestParsePayload(t *testing.T) {
	cases := []struct {
		raw  string
		want bool
	}{
		{raw: `true`, want: true},
		{raw: `0`, want: false},
		{raw: `"AVAILABLE"`, want: true},
		{raw: `{"present": true}`, want: true},
		{raw: `{"status": "BUSY", "present": true}`, want: false},
		{raw: `{"status": false}`, want: false},
		{raw: `{"status": "faculty_present", "mac": "aa:bb:cc:dd:ee:ff"}`, want: true},
		{raw: `keychain_disconnected`, want: false},
	}
	for _, tc := range cases {
		p, err := ParsePayload([]byte(tc.raw))
		require.NoError(t, err, tc.raw)
		got, err := Normalize(p)
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, got, tc.raw)
	}

	for _, raw := range []string{``, `7`, `[1,2]`, `PURPLE`, `{"other": 1}`} {
		p, err := ParsePayload([]byte(raw))
		if err == nil {
			_, err = Normalize(p)
		}
		assert.ErrorIs(t, err, ErrUnrecognizedStatus, raw)
	}
}

func TestNormalizeMAC(t *testing.T) {
	got, err := NormalizeMAC("aa-bb-cc-dd-ee-0f")
	require.NoError(t, err)
	assert.Equal(t, "AA:BB:CC:DD:EE:0F", got)

	got, err = NormalizeMAC("AABBCCDDEEFF")
	require.NoError(t, err)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", got)

	_, err = NormalizeMAC("zz:bb:cc:dd:ee:ff")
	assert.ErrorIs(t, err, ErrInvalidMAC)
	_, err = NormalizeMAC("aa:bb")
	assert.ErrorIs(t, err, ErrInvalidMAC)
}
