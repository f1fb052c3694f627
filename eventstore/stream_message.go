package eventstore

import (
	"errors"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var ErrInvalidPayloadJSON = errors.New("payload json is not valid")
var ErrInvalidMetadataJSON = errors.New("metadata json is not valid")
var ErrEmptyMessageType = errors.New("message type must not be empty")
var ErrNilMessageID = errors.New("message id must not be nil")

// NewStreamMessage is a DTO for a message that is about to be appended.
//
// The MessageID makes appends idempotent: re-appending the same messages at the same
// expected version succeeds without writing them twice.
//
// While its properties are exported, it should only be constructed with the supplied factory methods:
//   - BuildNewStreamMessage
//   - BuildNewStreamMessageWithEmptyMetadata
type NewStreamMessage struct {
	MessageID    uuid.UUID
	Type         string
	PayloadJSON  []byte
	MetadataJSON []byte
}

// NewStreamMessages is an alias type for a slice of NewStreamMessage.
type NewStreamMessages = []NewStreamMessage

// StreamMessage is a message as it is stored and delivered by a subscription to the global feed.
type StreamMessage struct {
	Position      int64
	StreamID      string
	StreamVersion int64
	MessageID     uuid.UUID
	Type          string
	CreatedAt     time.Time
	PayloadJSON   []byte
	MetadataJSON  []byte
}

// BuildNewStreamMessage is a factory method for NewStreamMessage.
//
// Returns an error if the id is nil, the type is empty or payloadJSON or metadataJSON are not valid JSON.
func BuildNewStreamMessage(messageID uuid.UUID, messageType string, payloadJSON []byte, metadataJSON []byte) (NewStreamMessage, error) {
	if messageID == uuid.Nil {
		return NewStreamMessage{}, ErrNilMessageID
	}

	if messageType == "" {
		return NewStreamMessage{}, ErrEmptyMessageType
	}

	if !jsoniter.ConfigFastest.Valid(payloadJSON) {
		return NewStreamMessage{}, ErrInvalidPayloadJSON
	}

	if !jsoniter.ConfigFastest.Valid(metadataJSON) {
		return NewStreamMessage{}, ErrInvalidMetadataJSON
	}

	return NewStreamMessage{
		MessageID:    messageID,
		Type:         messageType,
		PayloadJSON:  payloadJSON,
		MetadataJSON: metadataJSON,
	}, nil
}

// BuildNewStreamMessageWithEmptyMetadata is a factory method for NewStreamMessage with "{}" as metadata.
func BuildNewStreamMessageWithEmptyMetadata(messageID uuid.UUID, messageType string, payloadJSON []byte) (NewStreamMessage, error) {
	return BuildNewStreamMessage(messageID, messageType, payloadJSON, []byte("{}"))
}
