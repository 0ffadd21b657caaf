package canonicalize

import (
	"bytes"
	"encoding/json"
	"testing"
)

func FuzzJCS(f *testing.F) {
	f.Add([]byte(`{"uuid":"0b5a3f5e","name":"ds","type":"protodataset","created_at":1700000000.5}`))
	f.Add([]byte(`{"items":{"da39a3ee":{"relpath":"a.txt","size_in_bytes":3,"utc_timestamp":1709296215.123456}}}`))
	f.Add([]byte(`{"z":{"y":"foo","x":"bar"},"a":[3,1,2]}`))
	f.Add([]byte(`{"relpath":"data/こんにちは.txt","tag":"🚀"}`))
	f.Add([]byte(`{"readme":"line1\nline2\t<b>&"}`))
	f.Add([]byte(`{}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			t.Skip()
		}
		first, err := JCS(v)
		if err != nil {
			return
		}

		// Canonical output is a fixed point.
		var reparsed any
		if err := json.Unmarshal(first, &reparsed); err != nil {
			t.Fatalf("canonical output is not JSON: %s", first)
		}
		second, err := JCS(reparsed)
		if err != nil {
			t.Fatalf("canonical output does not canonicalize: %v", err)
		}
		if !bytes.Equal(first, second) {
			t.Errorf("not idempotent:\n  %s\n  %s", first, second)
		}

		h1, err1 := CanonicalHash(v)
		h2, err2 := CanonicalHash(reparsed)
		if err1 != nil || err2 != nil || h1 != h2 {
			t.Errorf("digest changed after round trip: %s %s", h1, h2)
		}
	})
}
