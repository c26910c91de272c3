package rest

import (
	"encoding/json"
	"testing"
)

func TestID_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		in   string
		want ID
	}{
		{`{"id":42}`, "42"},
		{`{"id":"rec123"}`, "rec123"},
		{`{"id":null}`, ""},
	}
	for _, tt := range tests {
		var v struct {
			ID ID `json:"id"`
		}
		if err := json.Unmarshal([]byte(tt.in), &v); err != nil {
			t.Fatalf("Unmarshal(%s): %v", tt.in, err)
		}
		if v.ID != tt.want {
			t.Errorf("Unmarshal(%s) = %q, want %q", tt.in, v.ID, tt.want)
		}
	}
}

func TestNativeID(t *testing.T) {
	if got := NativeID("17"); got != int64(17) {
		t.Errorf("NativeID(17) = %#v, want int64(17)", got)
	}
	if got := NativeID("recX"); got != "recX" {
		t.Errorf("NativeID(recX) = %#v, want string", got)
	}
}
