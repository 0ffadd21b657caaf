package admin

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-datasets/pkg/errorir"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m, err := Generate("ds", "me", WithClock(fixedClock))
	require.NoError(t, err)
	frozen, err := Freeze(m, 1709296300.25)
	require.NoError(t, err)

	data, err := Encode(frozen)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"created_at":1709296215.123456`)
	assert.Contains(t, string(data), `"frozen_at":1709296300.25`)
	assert.NotContains(t, string(data), "based_on")

	back, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, frozen, back)
}

func TestDecodePreservesUnknownFields(t *testing.T) {
	doc := `{"uuid":"1e47c076-2eb0-43b2-b219-fc7d419f1f16","schema_version":"1.3.0","name":"ds",` +
		`"type":"protodataset","creator_username":"olssont","created_at":1500000000.5,` +
		`"dtool_version":"3.26.0","storage":{"kind":"disk"}}`

	m, err := Decode([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "1.3.0", m.SchemaVersion)
	require.Contains(t, m.Extra, "dtool_version")
	assert.JSONEq(t, `{"kind":"disk"}`, string(m.Extra["storage"]))

	renamed, err := m.WithName("ds2")
	require.NoError(t, err)
	data, err := Encode(renamed)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"dtool_version":"3.26.0"`)
	assert.Contains(t, string(data), `"storage":{"kind":"disk"}`)
	assert.Contains(t, string(data), `"name":"ds2"`)
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		kind error
	}{
		{"future major", `{"uuid":"u","schema_version":"2.0.0","name":"ds","type":"dataset","creator_username":"x","created_at":1,"frozen_at":2}`, errorir.ErrType},
		{"no version", `{"uuid":"u","name":"ds","type":"dataset","creator_username":"x","created_at":1,"frozen_at":2}`, errorir.ErrValue},
		{"unknown type", `{"uuid":"u","schema_version":"1.0.0","name":"ds","type":"archive","creator_username":"x","created_at":1}`, errorir.ErrValue},
		{"frozen without frozen_at", `{"uuid":"u","schema_version":"1.0.0","name":"ds","type":"dataset","creator_username":"x","created_at":1}`, errorir.ErrValue},
		{"garbage", `[]`, errorir.ErrValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.kind), err.Error())
		})
	}
}
