package messaging

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// Codec turns payloads into message bodies and back
type Codec interface {
	ContentType() string
	Encode(v interface{}) ([]byte, error)
	Decode(body []byte, v interface{}) error
}

// JSONCodec encodes payloads as JSON
type JSONCodec struct{}

func (JSONCodec) ContentType() string { return "application/json" }

func (JSONCodec) Encode(v interface{}) ([]byte, error) {
	body, err := json.Marshal(v)
	return body, errors.Wrap(err, "failed to encode message body")
}

func (JSONCodec) Decode(body []byte, v interface{}) error {
	return errors.Wrap(json.Unmarshal(body, v), "failed to decode message body")
}

// Encode builds a message whose body is v encoded with codec. messageType
// is carried in HeaderMessageType.
func Encode(codec Codec, id, messageType string, v interface{}) (Message, error) {
	body, err := codec.Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(id, body, map[string]string{
		HeaderContentType: codec.ContentType(),
		HeaderMessageType: messageType,
	}), nil
}

// Decode decodes the body of msg into v, refusing content types the codec
// does not produce. A message without a content type is decoded as is.
func Decode(codec Codec, msg Message, v interface{}) error {
	if ct := msg.Headers()[HeaderContentType]; ct != "" && ct != codec.ContentType() {
		return errors.Newf("cannot decode %s message %s as %s", ct, msg.ID(), codec.ContentType())
	}
	return codec.Decode(msg.Body(), v)
}
