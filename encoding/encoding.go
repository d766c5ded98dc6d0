// Package encoding provides the base64 JSON codec for x402 payment data
// carried in HTTP headers: payment payloads in X-PAYMENT and settlement
// results in X-PAYMENT-RESPONSE.
package encoding

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/x402x"
)

// Header names defined by the x402 protocol.
const (
	PaymentHeader         = "X-PAYMENT"
	PaymentResponseHeader = "X-PAYMENT-RESPONSE"
)

// EncodePayment converts a PaymentPayload to a base64-encoded JSON string
// for the X-PAYMENT header.
func EncodePayment(payment x402x.PaymentPayload) (string, error) {
	data, err := json.Marshal(payment)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodePayment converts a base64-encoded JSON string to a PaymentPayload.
func DecodePayment(encoded string) (x402x.PaymentPayload, error) {
	var payment x402x.PaymentPayload

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return payment, fmt.Errorf("failed to decode base64: %w", err)
	}
	if err := json.Unmarshal(decoded, &payment); err != nil {
		return payment, fmt.Errorf("failed to unmarshal payment: %w", err)
	}
	return payment, nil
}

// EncodeSettlement converts a SettlementResponse to a base64-encoded JSON
// string for the X-PAYMENT-RESPONSE header.
func EncodeSettlement(settlement x402x.SettlementResponse) (string, error) {
	data, err := json.Marshal(settlement)
	if err != nil {
		return "", fmt.Errorf("failed to marshal settlement: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeSettlement converts a base64-encoded JSON string to a
// SettlementResponse.
func DecodeSettlement(encoded string) (x402x.SettlementResponse, error) {
	var settlement x402x.SettlementResponse

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return settlement, fmt.Errorf("failed to decode base64: %w", err)
	}
	if err := json.Unmarshal(decoded, &settlement); err != nil {
		return settlement, fmt.Errorf("failed to unmarshal settlement: %w", err)
	}
	return settlement, nil
}
