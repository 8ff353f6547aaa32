package events

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeShapes(t *testing.T) {
	cases := map[string]string{
		"map with data":         `{"data":{"x":1}}`,
		"list of maps":          `[{"data":{"x":1}}]`,
		"nested list":           `[[{"data":{"x":1}}]]`,
		"bare map":              `{"x":1}`,
		"list of bare maps":     `[{"x":1},{"y":2}]`,
		"nested list bare maps": `[[{"x":1}]]`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			msg, err := Decode([]byte(body))
			require.NoError(t, err)
			assert.True(t, msg.Legacy)
			assert.False(t, msg.Fallback)
			assert.Equal(t, json.Number("1"), msg.Data["x"])
		})
	}
}

func TestNormalizeFallback(t *testing.T) {
	for _, body := range []string{`42`, `"hello"`, `[]`, `[[]]`, `[7]`, `not json`} {
		msg, err := Decode([]byte(body))
		require.NoError(t, err, body)
		assert.True(t, msg.Fallback, body)
		assert.Contains(t, msg.Data, FallbackKey, body)
	}
}

func TestDecodeTaggedEnvelope(t *testing.T) {
	env, err := NewEnvelope(PaymentCompleted, Completed{
		PaymentID: "p-1",
		Reference: "p-1",
		Amount:    decimal.RequireFromString("200.00"),
		Currency:  "NGN",
	})
	require.NoError(t, err)
	body, err := env.Marshal()
	require.NoError(t, err)

	msg, err := Decode(body)
	require.NoError(t, err)
	assert.False(t, msg.Legacy)
	assert.Equal(t, PaymentCompleted, msg.Event)
	assert.Equal(t, SchemaVersion, msg.SchemaVersion)

	var got Completed
	require.NoError(t, Bind(msg.Data, &got))
	assert.Equal(t, "p-1", got.Reference)
	assert.True(t, got.Amount.Equal(decimal.NewFromInt(200)))
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	_, err := Decode([]byte(`{"event":"payment.payment.completed","schema_version":2,"data":{"x":1}}`))
	assert.ErrorIs(t, err, ErrUnsupportedVersion)

	_, err = Decode([]byte(`{"event":"payment.payment.completed","schema_version":1,"data":[1]}`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decode([]byte(`{"schema_version":"v1","data":{}}`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestNewEnvelopeRejectsNonObject(t *testing.T) {
	_, err := NewEnvelope(PaymentCompleted, []int{1})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestStampRoundTrip(t *testing.T) {
	ts := 1700000000.25
	assert.InDelta(t, ts, Stamp(Timestamp(ts)), 1e-6)
}

func TestIDAcceptsStringsAndNumbers(t *testing.T) {
	msg, err := Decode([]byte(`{"data":{"a":"1000000001","b":1000000002,"c":null}}`))
	require.NoError(t, err)

	var v struct {
		A ID `json:"a"`
		B ID `json:"b"`
		C ID `json:"c"`
	}
	require.NoError(t, Bind(msg.Data, &v))
	assert.Equal(t, ID("1000000001"), v.A)
	assert.Equal(t, "1000000002", v.B.String())
	assert.Empty(t, v.C)
}
