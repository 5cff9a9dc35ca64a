package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTextMessageUser(t *testing.T) {
	msg := NewTextMessage("user", "open the pod bay doors")

	assert.Equal(t, "user", msg.Type)
	assert.Equal(t, "user", msg.Message.Role)
	require.Len(t, msg.Message.Content, 1)
	assert.Equal(t, "text", msg.Message.Content[0].Type)
	assert.Equal(t, "open the pod bay doors", msg.Message.Content[0].Text)
}

func TestNewTextMessageAssistantEnvelope(t *testing.T) {
	msg := NewTextMessage("assistant", "done")
	assert.Equal(t, "assistant", msg.Type)
	assert.Equal(t, "assistant", msg.Message.Role)
}

func TestMessageToSendMarshalShape(t *testing.T) {
	msg := NewTextMessage("user", "hi")

	data, err := msg.Marshal()
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "user", decoded["type"])

	inner := decoded["message"].(map[string]interface{})
	assert.Equal(t, "user", inner["role"])
	content := inner["content"].([]interface{})
	require.Len(t, content, 1)
	assert.Equal(t, "hi", content[0].(map[string]interface{})["text"])
}
