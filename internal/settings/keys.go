package settings

import (
	"encoding/json"
	"time"
)

// Key names a configuration entry in app_settings.
type Key string

const (
	KeyModels  Key = "ai_models"
	KeyPrompts Key = "ai_prompts"
	KeyTools   Key = "whatsapp_tools"
	KeyBot     Key = "whatsapp_bot"
	KeyContext Key = "whatsapp_context"
)

// AllKeys lists every known key in a stable order.
var AllKeys = []Key{KeyModels, KeyPrompts, KeyTools, KeyBot, KeyContext}

// Known reports whether k is a recognized configuration key.
func Known(k Key) bool {
	for _, known := range AllKeys {
		if k == known {
			return true
		}
	}
	return false
}

// TTL returns the hot-cache lifetime for a key. Prompts are edited most
// often during tuning and expire first.
func TTL(k Key) time.Duration {
	switch k {
	case KeyPrompts:
		return 30 * time.Second
	case KeyTools:
		return 2 * time.Minute
	case KeyBot, KeyContext:
		return 5 * time.Minute
	case KeyModels:
		return 10 * time.Minute
	default:
		return time.Minute
	}
}

// Default returns the hardcoded value for a key, encoded as JSON.
func Default(k Key) json.RawMessage {
	var v any
	switch k {
	case KeyModels:
		v = DefaultModels()
	case KeyPrompts:
		v = DefaultPrompts()
	case KeyTools:
		v = DefaultTools()
	case KeyBot:
		v = DefaultBot()
	case KeyContext:
		v = DefaultContext()
	default:
		return json.RawMessage("{}")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}

// target returns a pointer to the default typed value for a key, used to
// validate writes and decode reads.
func target(k Key) any {
	switch k {
	case KeyModels:
		v := DefaultModels()
		return &v
	case KeyPrompts:
		v := DefaultPrompts()
		return &v
	case KeyTools:
		v := DefaultTools()
		return &v
	case KeyBot:
		v := DefaultBot()
		return &v
	case KeyContext:
		v := DefaultContext()
		return &v
	}
	return nil
}
