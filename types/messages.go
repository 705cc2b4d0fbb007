package types

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Native payment messages exchanged with the counter-party. The transport
// layer frames and addresses them; the gate only produces and consumes the
// field-level shapes.

// RequestPayment asks the counter-party to pay before the gated action runs.
type RequestPayment struct {
	AcceptedFunds   []Funds           `json:"acceptedFunds" validate:"required,min=1,dive"`
	Recipient       string            `json:"recipient" validate:"required"`
	DeadlineSeconds int               `json:"deadlineSeconds" validate:"required,gt=0"`
	Reference       string            `json:"reference,omitempty"`
	Description     string            `json:"description,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// CommitPayment is the counter-party's proof-of-payment claim.
type CommitPayment struct {
	Funds         Funds             `json:"funds" validate:"required"`
	Recipient     string            `json:"recipient" validate:"required"`
	TransactionID string            `json:"transactionId" validate:"required"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// CompletePayment tells the counter-party the payment was verified and the
// gated action ran.
type CompletePayment struct {
	Reference string `json:"reference"`
}

// RejectPayment tells the counter-party a commitment was refused.
type RejectPayment struct {
	Reference string `json:"reference,omitempty"`
	Reason    string `json:"reason"`
}

// CancelPayment withdraws an open request, counter-party or timer driven.
type CancelPayment struct {
	Reference string `json:"reference,omitempty"`
	Reason    string `json:"reason"`
}

var validate = validator.New()

// ParseRequestPayment parses and validates a RequestPayment from JSON.
func ParseRequestPayment(data []byte) (*RequestPayment, error) {
	var msg RequestPayment
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, WrapError(ErrInvalidRequest, "failed to parse payment request", err)
	}
	if err := validate.Struct(&msg); err != nil {
		return nil, WrapError(ErrInvalidRequest, "payment request validation failed", err)
	}
	for _, f := range msg.AcceptedFunds {
		if !f.Method.Valid() {
			return nil, NewError(ErrInvalidRequest,
				fmt.Sprintf("unsupported payment method: %s", f.Method))
		}
		if _, err := f.Decimal(); err != nil {
			return nil, WrapError(ErrInvalidRequest, "invalid accepted funds", err)
		}
	}
	return &msg, nil
}

// ParseCommitPayment parses and validates a CommitPayment from JSON.
func ParseCommitPayment(data []byte) (*CommitPayment, error) {
	var msg CommitPayment
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, WrapError(ErrInvalidRequest, "failed to parse payment commitment", err)
	}
	if err := validate.Struct(&msg); err != nil {
		return nil, WrapError(ErrInvalidRequest, "payment commitment validation failed", err)
	}
	if !msg.Funds.Method.Valid() {
		return nil, NewError(ErrInvalidRequest,
			fmt.Sprintf("unsupported payment method: %s", msg.Funds.Method))
	}
	if _, err := msg.Funds.Decimal(); err != nil {
		return nil, WrapError(ErrInvalidRequest, "invalid committed funds", err)
	}
	return &msg, nil
}
