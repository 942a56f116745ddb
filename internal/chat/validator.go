package chat

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count
)

// MissingFieldsMessage is the client-facing text for a request that lacks
// one of senderId, recipientId, type or message.
const MissingFieldsMessage = "Missing required fields"

// ValidationError reports why an inbound send was rejected before any
// persistence was attempted.
type ValidationError struct {
	Missing bool   // one or more required fields were empty
	Reason  string // human-readable description
}

func (e *ValidationError) Error() string {
	return e.Reason
}

var validate = validator.New()

type sendFields struct {
	SenderID    string `validate:"required"`
	RecipientID string `validate:"required"`
	Type        string `validate:"required,oneof=text image video"`
	Message     string `validate:"required"`
}

// Validate checks a send request coming from either the real-time channel or
// the HTTP API. Required fields are checked before content rules.
func Validate(senderID, recipientID string, typ Type, message string) error {
	err := validate.Struct(sendFields{
		SenderID:    senderID,
		RecipientID: recipientID,
		Type:        string(typ),
		Message:     message,
	})
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		for _, fe := range fieldErrs {
			if fe.Tag() == "required" {
				return &ValidationError{Missing: true, Reason: MissingFieldsMessage}
			}
		}
		return &ValidationError{Reason: fmt.Sprintf("unsupported message type %q", typ)}
	}
	if err != nil {
		return &ValidationError{Reason: err.Error()}
	}
	if err := ValidateMessage(message); err != nil {
		return &ValidationError{Reason: err.Error()}
	}
	return nil
}

// ValidateMessage checks that a chat message meets content requirements.
func ValidateMessage(text string) error {
	if len(text) == 0 {
		return fmt.Errorf("message text is empty")
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	return nil
}
