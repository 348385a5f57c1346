package realtime

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	chatFrameSchemaOnce sync.Once
	chatFrameSchema     *jsonschema.Schema
	chatFrameSchemaErr  error
)

// ValidateChatFrame checks a client chat frame against the inbound frame contract.
func ValidateChatFrame(raw []byte) error {
	chatFrameSchemaOnce.Do(func() {
		chatFrameSchema, chatFrameSchemaErr = jsonschema.CompileString("chat_frame.json", chatFrameSchemaSource)
	})
	if chatFrameSchemaErr != nil {
		return fmt.Errorf("realtime: compile chat frame schema: %w", chatFrameSchemaErr)
	}

	var document any
	if err := json.Unmarshal(raw, &document); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := chatFrameSchema.Validate(document); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return nil
}

const chatFrameSchemaSource = `{
  "type": "object",
  "required": ["message"],
  "properties": {
    "message": {
      "anyOf": [
        { "type": "string", "pattern": "\\S" },
        { "type": ["object", "array", "number", "boolean"] }
      ]
    },
    "sender": { "type": "string" }
  },
  "additionalProperties": true
}`
