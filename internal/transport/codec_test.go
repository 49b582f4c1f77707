package transport

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/usef/backend/internal/ptu"
)

func testMetadata() Metadata {
	return Metadata{
		SenderDomain:    "agr.example.com",
		SenderRole:      "AGR",
		RecipientDomain: "dso.example.com",
		RecipientRole:   "DSO",
		TimeStamp:       time.Date(2024, 3, 30, 9, 0, 0, 0, time.UTC),
		MessageID:       "3f1c1a7e-7d5e-4b0a-9d55-8a1f7c6b2e01",
		ConversationID:  "c6a1d4c2-6f0a-4c8e-8f2d-1a2b3c4d5e6f",
		Precedence:      Transactional,
	}
}

func testOffer() *FlexOffer {
	price := decimal.RequireFromString("12.50000")
	return &FlexOffer{
		Envelope:            Envelope{Metadata: testMetadata()},
		PTUDuration:         "PT15M",
		Period:              ptu.NewDate(2024, time.March, 31),
		TimeZone:            "Europe/Amsterdam",
		Currency:            "EUR",
		CongestionPoint:     "ean.871685900012345678",
		Sequence:            20240330090000,
		FlexRequestSequence: 20240330080000,
		ExpirationDateTime:  time.Date(2024, 3, 30, 21, 0, 0, 0, time.UTC),
		PTUs: []PTU{
			{Start: 1, Duration: 40, Power: 0},
			{Start: 41, Duration: 4, Power: -2000, Price: &price, Disposition: "Available"},
		},
	}
}

func TestEncodeDecodeFlexOffer(t *testing.T) {
	codec := NewCodec()

	data, err := codec.Encode(testOffer())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "<?xml"))
	assert.Contains(t, string(data), "<FlexOffer ")
	assert.Contains(t, string(data), `Period="2024-03-31"`)

	msg, err := codec.Decode(data)
	require.NoError(t, err)

	offer, ok := msg.(*FlexOffer)
	require.True(t, ok)
	assert.Equal(t, "agr.example.com", offer.Meta().SenderDomain)
	assert.Equal(t, ptu.NewDate(2024, time.March, 31), offer.Period)
	assert.Equal(t, int64(20240330080000), offer.FlexRequestSequence)
	require.Len(t, offer.PTUs, 2)
	assert.Nil(t, offer.PTUs[0].Price)
	require.NotNil(t, offer.PTUs[1].Price)
	assert.True(t, offer.PTUs[1].Price.Equal(decimal.RequireFromString("12.5")))
	assert.Equal(t, int64(-2000), offer.PTUs[1].Power)
}

func TestEncodeRejectsInvalidMessage(t *testing.T) {
	offer := testOffer()
	offer.Currency = "EURO"

	_, err := NewCodec().Encode(offer)
	assert.Error(t, err)
}

func TestDecodeRejectsOversizedPtuRange(t *testing.T) {
	codec := NewCodec()
	data, err := codec.Encode(testOffer())
	require.NoError(t, err)
	require.Contains(t, string(data), `Duration="40"`)

	oversized := strings.Replace(string(data), `Duration="40"`, `Duration="9223372036854775807"`, 1)
	_, err = codec.Decode([]byte(oversized))
	require.Error(t, err)
	assert.True(t, IsDecodeError(err, Schema), "got %v", err)

	offer := testOffer()
	offer.PTUs[1].Start = 1501
	_, err = codec.Encode(offer)
	assert.Error(t, err)
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
		kind DecodeErrorKind
	}{
		{"empty document", "", Malformed},
		{"not xml", "this is not xml", Malformed},
		{"truncated", `<FlexOffer Sequence="1"`, Malformed},
		{"unknown root", `<Invoice/>`, Schema},
		{"missing metadata", `<FlexOfferRevocation Sequence="7"/>`, Schema},
		{"bad attribute type", `<FlexOfferRevocation Sequence="seven"/>`, Malformed},
	}

	codec := NewCodec()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := codec.Decode([]byte(tt.data))
			require.Error(t, err)
			assert.True(t, IsDecodeError(err, tt.kind), "got %v", err)
		})
	}
}

func TestSignedRoundTrip(t *testing.T) {
	codec := NewCodec()
	revocation := &FlexOfferRevocation{Envelope: Envelope{Metadata: testMetadata()}, Sequence: 42}

	data, err := codec.EncodeSigned(revocation)
	require.NoError(t, err)
	assert.Contains(t, string(data), "<SignedMessage ")

	msg, err := codec.DecodeSigned(data)
	require.NoError(t, err)
	assert.Equal(t, "FlexOfferRevocation", msg.MessageType())
	assert.Equal(t, int64(42), msg.(*FlexOfferRevocation).Sequence)
}

func TestDecodeSignedRejectsForeignSender(t *testing.T) {
	codec := NewCodec()
	body, err := codec.Encode(&FlexOfferRevocation{Envelope: Envelope{Metadata: testMetadata()}, Sequence: 42})
	require.NoError(t, err)

	signed := `<SignedMessage SenderDomain="other.example.com" SenderRole="AGR" Body="` +
		base64.StdEncoding.EncodeToString(body) + `"/>`

	_, err = codec.DecodeSigned([]byte(signed))
	require.Error(t, err)
	assert.True(t, IsDecodeError(err, Schema))
}

func TestDecodeSignedBadBody(t *testing.T) {
	_, err := NewCodec().DecodeSigned([]byte(`<SignedMessage SenderDomain="agr.example.com" SenderRole="AGR" Body="!!!"/>`))
	require.Error(t, err)
	assert.True(t, IsDecodeError(err, Schema))
}

func TestDurationFormatAndParse(t *testing.T) {
	tests := []struct {
		text string
		d    time.Duration
	}{
		{"PT15M", 15 * time.Minute},
		{"PT1H", time.Hour},
		{"PT1H30M", 90 * time.Minute},
		{"PT45S", 45 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.text, FormatDuration(tt.d))
			d, err := ParseDuration(tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.d, d)
		})
	}

	for _, bad := range []string{"", "PT", "15M", "P1D", "PT15X"} {
		_, err := ParseDuration(bad)
		assert.Error(t, err, bad)
	}
}
