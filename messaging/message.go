package messaging

// Header keys understood by every broker. RabbitMQ maps HeaderContentType
// onto the AMQP content-type property.
const (
	HeaderContentType = "content_type"
	HeaderMessageType = "message_type"
)

// Message is an opaque body plus string headers
type Message interface {
	ID() string
	Body() []byte
	Headers() map[string]string
}

type message struct {
	id      string
	body    []byte
	headers map[string]string
}

// NewMessage creates a Message. A nil headers map is replaced with an empty one.
func NewMessage(id string, body []byte, headers map[string]string) Message {
	if headers == nil {
		headers = make(map[string]string)
	}
	return &message{id: id, body: body, headers: headers}
}

func (m *message) ID() string                 { return m.id }
func (m *message) Body() []byte               { return m.body }
func (m *message) Headers() map[string]string { return m.headers }
