package encoding

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/mark3labs/x402x"
)

func TestPaymentRoundTrip(t *testing.T) {
	payment := x402x.PaymentPayload{
		X402Version: x402x.VersionRouter,
		Scheme:      "exact",
		Network:     "eip155:84532",
		Payload: map[string]interface{}{
			"payer":     "0x1111111111111111111111111111111111111111",
			"value":     "1000000",
			"signature": "0xabcd",
		},
	}

	encoded, err := EncodePayment(payment)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := base64.StdEncoding.DecodeString(encoded); err != nil {
		t.Fatalf("encoded value is not valid base64: %v", err)
	}

	decoded, err := DecodePayment(encoded)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decoded.X402Version != payment.X402Version || decoded.Network != payment.Network {
		t.Errorf("round trip mismatch: got %+v", decoded)
	}
	payload, ok := decoded.Payload.(map[string]interface{})
	if !ok || payload["value"] != "1000000" {
		t.Errorf("payload did not survive the round trip: %+v", decoded.Payload)
	}
}

func TestDecodePaymentErrors(t *testing.T) {
	tests := []struct {
		name    string
		encoded string
	}{
		{"not base64", "!!!not-base64!!!"},
		{"base64 but not json", base64.StdEncoding.EncodeToString([]byte("not json"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodePayment(tt.encoded); err == nil {
				t.Fatal("expected error but got nil")
			}
		})
	}
}

func TestSettlementRoundTrip(t *testing.T) {
	settlement := x402x.SettlementResponse{
		Success:     true,
		Transaction: "0x9f2e4c",
		Network:     "eip155:84532",
		Payer:       "0x1111111111111111111111111111111111111111",
	}

	encoded, err := EncodeSettlement(settlement)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	decoded, err := DecodeSettlement(encoded)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decoded != settlement {
		t.Errorf("round trip mismatch: got %+v, want %+v", decoded, settlement)
	}
}

func TestDecodeSettlementRejectsGarbage(t *testing.T) {
	if _, err := DecodeSettlement(strings.Repeat("?", 10)); err == nil {
		t.Fatal("expected error but got nil")
	}
}
