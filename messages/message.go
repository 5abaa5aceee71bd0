package messages

import (
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ContentPart is one piece of message content: text or an image reference.
type ContentPart interface {
	contentPart()
}

// Text is a textual content part.
type Text string

func (Text) contentPart() {}

// ImageDetail is the requested fidelity for image inputs.
type ImageDetail string

const (
	ImageDetailLow  ImageDetail = "low"
	ImageDetailHigh ImageDetail = "high"
	ImageDetailAuto ImageDetail = "auto"
)

// Image is an image content part, referenced by URL.
type Image struct {
	URL    string      `json:"url"`
	Detail ImageDetail `json:"detail,omitempty"`
}

func (Image) contentPart() {}

// Message is one entry of a conversation.
type Message struct {
	Role    Role          `json:"role"`
	Name    string        `json:"name,omitempty"`
	Content []ContentPart `json:"content"`
}

// TextContent concatenates the textual parts of the message in order.
func (m Message) TextContent() string {
	var out string
	for _, part := range m.Content {
		if text, ok := part.(Text); ok {
			out += string(text)
		}
	}
	return out
}

func (t Text) MarshalJSON() ([]byte, error) {
	result, err := sjson.SetBytes([]byte(`{"type":"text"}`), "text", string(t))
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (i Image) MarshalJSON() ([]byte, error) {
	result, err := sjson.SetBytes([]byte(`{"type":"image"}`), "url", i.URL)
	if err != nil {
		return nil, err
	}
	if i.Detail != "" {
		result, err = sjson.SetBytes(result, "detail", string(i.Detail))
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

// UnmarshalContentPart decodes one content part from its tagged JSON form.
func UnmarshalContentPart(data []byte) (ContentPart, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("invalid json: %s", data)
	}
	parsed := gjson.ParseBytes(data)
	switch parsed.Get("type").String() {
	case "text":
		return Text(parsed.Get("text").String()), nil
	case "image":
		return Image{
			URL:    parsed.Get("url").String(),
			Detail: ImageDetail(parsed.Get("detail").String()),
		}, nil
	default:
		return nil, fmt.Errorf("unknown content part type: %q", parsed.Get("type").String())
	}
}

// UnmarshalContentParts decodes a JSON array of tagged content parts.
func UnmarshalContentParts(data []byte) ([]ContentPart, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, err
	}
	parts := make([]ContentPart, len(raws))
	for i, raw := range raws {
		part, err := UnmarshalContentPart(raw)
		if err != nil {
			return nil, err
		}
		parts[i] = part
	}
	return parts, nil
}

func (m *Message) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("invalid json: %s", data)
	}
	parsed := gjson.ParseBytes(data)
	m.Role = Role(parsed.Get("role").String())
	m.Name = parsed.Get("name").String()

	content := parsed.Get("content")
	if !content.Exists() || content.Type == gjson.Null {
		m.Content = nil
		return nil
	}
	parts, err := UnmarshalContentParts([]byte(content.Raw))
	if err != nil {
		return fmt.Errorf("invalid content: %w", err)
	}
	m.Content = parts
	return nil
}
