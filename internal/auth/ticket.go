// Package auth issues and verifies the signed session ticket the browser
// holds. The ticket carries only the session id; all other state lives in
// the session store.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Ticket struct {
	SID string `json:"sid"`
	Exp int64  `json:"exp"`
}

var (
	ErrInvalidTicket = errors.New("invalid ticket")
	ErrExpiredTicket = errors.New("expired ticket")
)

func IssueTicket(secret []byte, ticket Ticket) (string, error) {
	payloadBytes, err := json.Marshal(ticket)
	if err != nil {
		return "", fmt.Errorf("marshal ticket: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	signature := sign(secret, payload)
	return payload + "." + signature, nil
}

func ParseTicket(secret []byte, value string) (Ticket, error) {
	parts := strings.Split(value, ".")
	if len(parts) != 2 {
		return Ticket{}, ErrInvalidTicket
	}
	payload := parts[0]
	signature := parts[1]

	expected := sign(secret, payload)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return Ticket{}, ErrInvalidTicket
	}

	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Ticket{}, ErrInvalidTicket
	}

	var ticket Ticket
	if err := json.Unmarshal(decoded, &ticket); err != nil {
		return Ticket{}, ErrInvalidTicket
	}
	if ticket.SID == "" || ticket.Exp == 0 {
		return Ticket{}, ErrInvalidTicket
	}
	if time.Now().Unix() >= ticket.Exp {
		return Ticket{}, ErrExpiredTicket
	}
	return ticket, nil
}

func sign(secret []byte, payload string) string {
	sum := hmac.New(sha256.New, secret)
	_, _ = sum.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(sum.Sum(nil))
}
