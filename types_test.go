package x402x

import (
	"errors"
	"math/big"
	"testing"
)

func TestDetectVersion(t *testing.T) {
	tests := []struct {
		name string
		req  FacilitatorRequest
		want int
	}{
		{
			name: "explicit request version",
			req:  FacilitatorRequest{X402Version: 2},
			want: VersionRouter,
		},
		{
			name: "explicit payload version",
			req:  FacilitatorRequest{PaymentPayload: PaymentPayload{X402Version: 1}},
			want: VersionLegacy,
		},
		{
			name: "nested authorization means v1",
			req: FacilitatorRequest{PaymentPayload: PaymentPayload{
				Payload: map[string]interface{}{
					"signature":     "0xabc",
					"authorization": map[string]interface{}{"from": "0x1"},
				},
			}},
			want: VersionLegacy,
		},
		{
			name: "flat payer and signature means v2",
			req: FacilitatorRequest{PaymentPayload: PaymentPayload{
				Payload: map[string]interface{}{
					"payer":     "0x1",
					"signature": "0xabc",
				},
			}},
			want: VersionRouter,
		},
		{
			name: "unrecognized shape defaults to v1",
			req:  FacilitatorRequest{PaymentPayload: PaymentPayload{Payload: map[string]interface{}{}}},
			want: VersionLegacy,
		},
		{
			name: "explicit version wins over shape",
			req: FacilitatorRequest{
				X402Version: 1,
				PaymentPayload: PaymentPayload{
					Payload: map[string]interface{}{"payer": "0x1", "signature": "0xabc"},
				},
			},
			want: VersionLegacy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectVersion(&tt.req); got != tt.want {
				t.Errorf("DetectVersion() = %d, want %d", got, tt.want)
			}
		})
	}
}

func validExtra() map[string]interface{} {
	return map[string]interface{}{
		"settlementRouter": "0x339bC7191E9dAd24c66FA0B576E566c79CBb8577",
		"salt":             "0x0102030405060708091011121314151617181920212223242526272829303132",
		"payTo":            "0x9999999999999999999999999999999999999999",
		"facilitatorFee":   "1000",
	}
}

func TestParseSettlementExtra(t *testing.T) {
	extra, err := ParseSettlementExtra(validExtra())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if extra == nil {
		t.Fatal("expected a parsed extra")
	}
	if extra.FacilitatorFee.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("fee = %s, want 1000", extra.FacilitatorFee)
	}
	if extra.HasHook() {
		t.Error("no hook was declared")
	}
}

func TestParseSettlementExtraNotRouterMode(t *testing.T) {
	if extra, err := ParseSettlementExtra(nil); extra != nil || err != nil {
		t.Errorf("nil extra: got %v, %v", extra, err)
	}
	if extra, err := ParseSettlementExtra(map[string]interface{}{"other": "x"}); extra != nil || err != nil {
		t.Errorf("no settlementRouter: got %v, %v", extra, err)
	}
}

func TestParseSettlementExtraValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(map[string]interface{})
	}{
		{"short router address", func(m map[string]interface{}) { m["settlementRouter"] = "0x1234" }},
		{"salt not 32 bytes", func(m map[string]interface{}) { m["salt"] = "0x0102" }},
		{"missing payTo", func(m map[string]interface{}) { delete(m, "payTo") }},
		{"negative fee", func(m map[string]interface{}) { m["facilitatorFee"] = "-5" }},
		{"non-numeric fee", func(m map[string]interface{}) { m["facilitatorFee"] = "lots" }},
		{"fee not a string", func(m map[string]interface{}) { m["facilitatorFee"] = 1000 }},
		{"hookData without hook", func(m map[string]interface{}) { m["hookData"] = "0x0102" }},
		{"hookData not hex", func(m map[string]interface{}) {
			m["hook"] = "0x0aF7471b5Eb3eD5c36A25aef93f0F311b8fcbdAc"
			m["hookData"] = "zzzz"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validExtra()
			tt.mutate(m)
			_, err := ParseSettlementExtra(m)
			if !errors.Is(err, ErrInvalidExtra) {
				t.Errorf("expected ErrInvalidExtra, got %v", err)
			}
		})
	}
}

func TestParseSettlementExtraWithHook(t *testing.T) {
	m := validExtra()
	m["hook"] = "0x0aF7471b5Eb3eD5c36A25aef93f0F311b8fcbdAc"
	m["hookData"] = "0x01020304"

	extra, err := ParseSettlementExtra(m)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !extra.HasHook() {
		t.Error("hook should be set")
	}
	if len(extra.HookData) != 4 {
		t.Errorf("hookData length = %d, want 4", len(extra.HookData))
	}
}

func TestDecodeRouterPayload(t *testing.T) {
	valid := map[string]interface{}{
		"payer":       "0x1111111111111111111111111111111111111111",
		"value":       "1000000",
		"validAfter":  "0",
		"validBefore": "1900000000",
		"nonce":       "0x0102030405060708091011121314151617181920212223242526272829303132",
		"signature":   "0xabcd",
	}

	p, err := DecodeRouterPayload(valid)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Payer != valid["payer"] {
		t.Errorf("payer = %q", p.Payer)
	}

	tests := []struct {
		name   string
		mutate func(map[string]interface{})
	}{
		{"bad payer", func(m map[string]interface{}) { m["payer"] = "nope" }},
		{"missing signature", func(m map[string]interface{}) { m["signature"] = "" }},
		{"short nonce", func(m map[string]interface{}) { m["nonce"] = "0x01" }},
		{"non-numeric value", func(m map[string]interface{}) { m["value"] = "1.5" }},
		{"negative value", func(m map[string]interface{}) { m["value"] = "-1" }},
		{"negative validAfter", func(m map[string]interface{}) { m["validAfter"] = "-1" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := map[string]interface{}{}
			for k, v := range valid {
				m[k] = v
			}
			tt.mutate(m)
			if _, err := DecodeRouterPayload(m); !errors.Is(err, ErrMalformedPayload) {
				t.Errorf("expected ErrMalformedPayload, got %v", err)
			}
		})
	}
}

func TestDecodeEVMPayload(t *testing.T) {
	p, err := DecodeEVMPayload(map[string]interface{}{
		"signature": "0xabcd",
		"authorization": map[string]interface{}{
			"from":        "0x1111111111111111111111111111111111111111",
			"to":          "0x2222222222222222222222222222222222222222",
			"value":       "1000000",
			"validAfter":  "0",
			"validBefore": "1900000000",
			"nonce":       "0x0102030405060708091011121314151617181920212223242526272829303132",
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Authorization.Value != "1000000" {
		t.Errorf("value = %q", p.Authorization.Value)
	}

	if _, err := DecodeEVMPayload(map[string]interface{}{"signature": "0xabcd"}); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("missing authorization: expected ErrMalformedPayload, got %v", err)
	}
	if _, err := DecodeEVMPayload(nil); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("nil payload: expected ErrMalformedPayload, got %v", err)
	}
}

func TestNormalizeScheme(t *testing.T) {
	if got := NormalizeScheme("  EXACT "); got != "exact" {
		t.Errorf("NormalizeScheme = %q", got)
	}
}
