package chat

import (
	"encoding/json"
	"fmt"
)

// Kind identifies which payload of a Content is populated.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
	KindFile  Kind = "file"
)

// Content is the payload of a message. Exactly one variant is populated;
// the zero value is invalid and is rejected by ValidateContent.
type Content struct {
	kind Kind
	text string
	url  string
	name string
}

func NewText(text string) Content      { return Content{kind: KindText, text: text} }
func NewImage(url string) Content      { return Content{kind: KindImage, url: url} }
func NewAudio(url string) Content      { return Content{kind: KindAudio, url: url} }
func NewVideo(url string) Content      { return Content{kind: KindVideo, url: url} }
func NewFile(url, name string) Content { return Content{kind: KindFile, url: url, name: name} }

func (c Content) Kind() Kind       { return c.kind }
func (c Content) Text() string     { return c.text }
func (c Content) URL() string      { return c.url }
func (c Content) FileName() string { return c.name }
func (c Content) IsZero() bool     { return c.kind == "" }

// Equal reports whether two contents carry the same variant and payload.
func (c Content) Equal(o Content) bool {
	return c == o
}

// Summary is the short text shown in a roster row for this content.
func (c Content) Summary() string {
	switch c.kind {
	case KindText:
		return c.text
	case KindFile:
		if c.name != "" {
			return c.name
		}
		return "[file]"
	case "":
		return ""
	default:
		return "[" + string(c.kind) + "]"
	}
}

// Fields is the flat wire shape used by the remote API, where each variant
// has its own optional field.
type Fields struct {
	Type     string `json:"type,omitempty"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
	AudioURL string `json:"audio_url,omitempty"`
	VideoURL string `json:"video_url,omitempty"`
	FileURL  string `json:"file_url,omitempty"`
	FileName string `json:"file_name,omitempty"`
}

// Fields flattens c into its wire shape.
func (c Content) Fields() Fields {
	f := Fields{Type: string(c.kind)}
	switch c.kind {
	case KindText:
		f.Text = c.text
	case KindImage:
		f.ImageURL = c.url
	case KindAudio:
		f.AudioURL = c.url
	case KindVideo:
		f.VideoURL = c.url
	case KindFile:
		f.FileURL = c.url
		f.FileName = c.name
	}
	return f
}

// ContentFromFields builds a Content from the wire shape. It fails unless
// exactly one payload field is populated. A type discriminator, when present,
// must agree with the populated field.
func ContentFromFields(f Fields) (Content, error) {
	var (
		c Content
		n int
	)
	if f.Text != "" {
		c, n = NewText(f.Text), n+1
	}
	if f.ImageURL != "" {
		c, n = NewImage(f.ImageURL), n+1
	}
	if f.AudioURL != "" {
		c, n = NewAudio(f.AudioURL), n+1
	}
	if f.VideoURL != "" {
		c, n = NewVideo(f.VideoURL), n+1
	}
	if f.FileURL != "" {
		c, n = NewFile(f.FileURL, f.FileName), n+1
	}

	switch {
	case n == 0:
		return Content{}, fmt.Errorf("chat: content has no payload")
	case n > 1:
		return Content{}, fmt.Errorf("chat: content has %d payloads, want exactly one", n)
	case f.Type != "" && Kind(f.Type) != c.kind:
		return Content{}, fmt.Errorf("chat: content type %q does not match %s payload", f.Type, c.kind)
	}
	return c, nil
}

func (c Content) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Fields())
}

func (c *Content) UnmarshalJSON(data []byte) error {
	var f Fields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	parsed, err := ContentFromFields(f)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
