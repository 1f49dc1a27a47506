package hub

import (
	"encoding/json"

	"github.com/gofiber/websocket/v2"
)

// Message is one broadcast, already in wire form. Frame is the websocket
// frame type it is written with.
type Message struct {
	Frame int
	Data  []byte
}

// Text wraps pre-encoded JSON for a text frame.
func Text(data []byte) Message {
	return Message{Frame: websocket.TextMessage, Data: data}
}

// Binary wraps a payload such as an annotated JPEG for a binary frame.
func Binary(data []byte) Message {
	return Message{Frame: websocket.BinaryMessage, Data: data}
}

func encodeJSON(v any) (Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Message{}, err
	}
	return Text(data), nil
}
