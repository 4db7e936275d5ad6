package msgframe

// Message is the interface for messages transmitted over the connection.
// Implementations should provide the message length and body.
type Message interface {
	// Length returns the length of the message body.
	Length() int
	// Body returns the raw message data.
	Body() []byte
}

// Codec translates between frame payloads and application messages.
// Framing is handled by the connection: Decode receives exactly one payload
// and Encode returns the payload to be framed.
type Codec interface {
	// Decode turns one frame payload into a Message.
	Decode(payload []byte) (Message, error)
	// Encode turns a Message into a frame payload.
	Encode(Message) ([]byte, error)
}

// RawMessage is a Message carrying an uninterpreted payload.
type RawMessage []byte

// Length returns the payload length.
func (m RawMessage) Length() int {
	return len(m)
}

// Body returns the payload.
func (m RawMessage) Body() []byte {
	return m
}

// RawCodec passes payloads through unchanged. It is the default codec.
type RawCodec struct{}

// Decode wraps payload in a RawMessage.
func (RawCodec) Decode(payload []byte) (Message, error) {
	return RawMessage(payload), nil
}

// Encode returns the message body.
func (RawCodec) Encode(m Message) ([]byte, error) {
	return m.Body(), nil
}
