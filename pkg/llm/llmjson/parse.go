// Package llmjson extracts JSON objects from completion output.
//
// Model responses often wrap JSON in prose or code fences, or emit it with
// trailing commas and unquoted keys. Unmarshal locates the outermost object
// and repairs it before decoding.
package llmjson

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/oceanbase/reflective-memory-go/pkg/core"
)

// Extract returns the substring between the first '{' and the last '}'.
// It returns "" when the text holds no object.
func Extract(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

// ExtractArray returns the substring between the first '[' and the last ']'.
func ExtractArray(text string) string {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

// Unmarshal decodes the JSON object embedded in text into v, repairing
// malformed JSON on a syntax error.
func Unmarshal(text string, v interface{}) error {
	obj := Extract(text)
	if obj == "" {
		return fmt.Errorf("%w: no JSON object in response", core.ErrLLMOperation)
	}
	return decode(obj, v)
}

// UnmarshalArray decodes the JSON array embedded in text into v.
func UnmarshalArray(text string, v interface{}) error {
	arr := ExtractArray(text)
	if arr == "" {
		return fmt.Errorf("%w: no JSON array in response", core.ErrLLMOperation)
	}
	return decode(arr, v)
}

func decode(obj string, v interface{}) error {
	err := json.Unmarshal([]byte(obj), v)
	if err == nil {
		return nil
	}
	if _, ok := err.(*json.SyntaxError); !ok {
		return fmt.Errorf("%w: %v", core.ErrLLMOperation, err)
	}

	fixed, rerr := jsonrepair.JSONRepair(obj)
	if rerr != nil {
		return fmt.Errorf("%w: repair: %v", core.ErrLLMOperation, rerr)
	}
	if err := json.Unmarshal([]byte(fixed), v); err != nil {
		return fmt.Errorf("%w: %v", core.ErrLLMOperation, err)
	}
	return nil
}
