package webhook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/car-rental-booking/internal/model"
)

func TestVerifier(t *testing.T) {
	at := time.Unix(1760000000, 0)
	payload := []byte(`{"id":"evt_1","type":"charge.succeeded"}`)
	header, err := Sign("whsec", payload, at)
	require.NoError(t, err)

	v := NewVerifier("whsec", 5*time.Minute)
	v.now = func() time.Time { return at.Add(time.Minute) }

	assert.NoError(t, v.Verify(payload, header))

	tests := []struct {
		name    string
		payload []byte
		header  string
	}{
		{"tampered body", []byte(`{"id":"evt_2","type":"charge.succeeded"}`), header},
		{"missing header", payload, ""},
		{"no v1", payload, "t=1760000000"},
		{"bad timestamp", payload, "t=abc,v1=00"},
		{"not hex", payload, "t=1760000000,v1=zz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, v.Verify(tt.payload, tt.header), model.ErrInvalidSignature)
		})
	}

	t.Run("wrong secret", func(t *testing.T) {
		other := NewVerifier("other", 5*time.Minute)
		other.now = v.now
		assert.ErrorIs(t, other.Verify(payload, header), model.ErrInvalidSignature)
	})

	t.Run("outside tolerance", func(t *testing.T) {
		late := NewVerifier("whsec", 5*time.Minute)
		late.now = func() time.Time { return at.Add(10 * time.Minute) }
		assert.ErrorIs(t, late.Verify(payload, header), model.ErrInvalidSignature)
	})

	t.Run("rotated secrets send several v1 values", func(t *testing.T) {
		stale, err := Sign("old", payload, at)
		require.NoError(t, err)
		_, oldSig, _ := parseHeader(stale)
		_, newSig, _ := parseHeader(header)
		multi := "t=1760000000,v1=" + oldSig[0] + ",v1=" + newSig[0]
		assert.NoError(t, v.Verify(payload, multi))
	})
}
