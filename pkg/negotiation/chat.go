package negotiation

import (
	"time"

	"github.com/gofrs/uuid"
	"github.com/goccy/go-json"
)

const chatType = "chat"

// envelope wraps every data channel message.
type envelope struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

func encodeChat(text string) ([]byte, error) {
	return json.Marshal(envelope{Type: chatType, Content: text})
}

// decodeChat returns the text to show for an inbound message,
// anything but a chat envelope is shown as is.
func decodeChat(data []byte) string {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != chatType {
		return string(data)
	}
	return env.Content
}

func newMessage(text string, dir Direction) Message {
	id, err := uuid.NewV4()
	if err != nil {
		id = uuid.Nil
	}
	return Message{Id: id.String(), Text: text, Direction: dir, Time: time.Now()}
}
