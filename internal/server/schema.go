package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	publishSchemaOnce sync.Once
	publishSchema     *jsonschema.Schema
	publishSchemaErr  error
)

func validatePublishRequest(raw []byte) error {
	publishSchemaOnce.Do(func() {
		publishSchema, publishSchemaErr = jsonschema.CompileString("publish_notification.json", publishNotificationSchema)
	})
	if publishSchemaErr != nil {
		return publishSchemaErr
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var document any
	if err := decoder.Decode(&document); err != nil {
		return err
	}
	return publishSchema.Validate(document)
}

// normaliseUserID accepts the numeric ids issued by the account service as well as strings.
func normaliseUserID(raw json.RawMessage) (string, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return strings.TrimSpace(text), nil
	}
	var number int64
	if err := json.Unmarshal(raw, &number); err != nil {
		return "", fmt.Errorf("user_id must be a string or integer: %w", err)
	}
	return strconv.FormatInt(number, 10), nil
}

const publishNotificationSchema = `{
  "type": "object",
  "required": ["user_id", "payload"],
  "properties": {
    "user_id": { "type": ["string", "integer"], "minLength": 1, "minimum": 0 },
    "payload": { "not": { "type": "null" } }
  },
  "additionalProperties": false
}`
