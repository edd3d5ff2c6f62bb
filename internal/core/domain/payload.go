package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// MessageType constants
type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeImage    MessageType = "image"
	MessageTypeAudio    MessageType = "audio"
	MessageTypeVideo    MessageType = "video"
	MessageTypeFile     MessageType = "file"
	MessageTypeSticker  MessageType = "sticker"
	MessageTypeLocation MessageType = "location"
	MessageTypeButtons  MessageType = "buttons"
	MessageTypeConfirm  MessageType = "confirm"
	MessageTypeCarousel MessageType = "carousel"
	MessageTypeFlex     MessageType = "flex"
)

// IsMedia reports whether the type carries a binary attachment
func (t MessageType) IsMedia() bool {
	switch t {
	case MessageTypeImage, MessageTypeAudio, MessageTypeVideo, MessageTypeFile:
		return true
	}
	return false
}

// IsTemplate reports whether the type is a structured outbound template
func (t MessageType) IsTemplate() bool {
	switch t {
	case MessageTypeButtons, MessageTypeConfirm, MessageTypeCarousel, MessageTypeFlex:
		return true
	}
	return false
}

// Payload is the tagged union stored in Message.Data
type Payload interface {
	Type() MessageType
	Validate() error
}

// TextPayload carries plain text
type TextPayload struct {
	Text string `json:"text"`
}

func (p *TextPayload) Type() MessageType { return MessageTypeText }

func (p *TextPayload) Validate() error {
	if strings.ContainsRune(p.Text, 0) {
		return fmt.Errorf("%w: text contains NUL", ErrInvalidPayload)
	}
	return nil
}

// StickerPayload stores only the sticker reference; the image URL is resolved at read time
type StickerPayload struct {
	Sticker   string `json:"sticker"`
	PackageID string `json:"packageId,omitempty"`
	URL       string `json:"url,omitempty"` // Facebook sends a CDN URL with its stickers
}

func (p *StickerPayload) Type() MessageType { return MessageTypeSticker }

func (p *StickerPayload) Validate() error {
	if p.Sticker == "" {
		return fmt.Errorf("%w: sticker id is empty", ErrInvalidPayload)
	}
	return nil
}

// MediaRef is one extra attachment of a multi-attachment message
type MediaRef struct {
	URL string `json:"url"`
}

// MediaPayload covers image, audio, video and file messages
// LINE media is uploaded and referenced by Filename; Facebook media keeps the provider URL
type MediaPayload struct {
	Kind     MessageType `json:"-"`
	Filename string      `json:"filename,omitempty"`
	URL      string      `json:"url,omitempty"`
	More     []MediaRef  `json:"more,omitempty"`
}

func (p *MediaPayload) Type() MessageType { return p.Kind }

func (p *MediaPayload) Validate() error {
	if !p.Kind.IsMedia() {
		return fmt.Errorf("%w: %q is not a media type", ErrInvalidPayload, p.Kind)
	}
	if p.Filename == "" && p.URL == "" {
		return fmt.Errorf("%w: media has neither filename nor url", ErrInvalidPayload)
	}
	return nil
}

// LocationPayload carries a shared location
type LocationPayload struct {
	Title     string  `json:"title,omitempty"`
	Address   string  `json:"address,omitempty"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (p *LocationPayload) Type() MessageType { return MessageTypeLocation }

func (p *LocationPayload) Validate() error {
	if math.Abs(p.Latitude) > 90 || math.Abs(p.Longitude) > 180 {
		return fmt.Errorf("%w: coordinates out of range", ErrInvalidPayload)
	}
	return nil
}

// TemplatePayload passes a provider template (buttons, confirm, carousel, flex) through untouched
type TemplatePayload struct {
	Kind    MessageType     `json:"-"`
	AltText string          `json:"altText,omitempty"`
	Content json.RawMessage `json:"content"`
}

func (p *TemplatePayload) Type() MessageType { return p.Kind }

func (p *TemplatePayload) Validate() error {
	if !p.Kind.IsTemplate() {
		return fmt.Errorf("%w: %q is not a template type", ErrInvalidPayload, p.Kind)
	}
	if len(p.Content) == 0 || !json.Valid(p.Content) {
		return fmt.Errorf("%w: template content is not valid JSON", ErrInvalidPayload)
	}
	return nil
}

// EncodePayload validates the payload and renders it for storage
func EncodePayload(p Payload) (json.RawMessage, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrInvalidPayload)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.Type(), err)
	}
	return data, nil
}

// DecodePayload parses stored data back into its typed payload
func DecodePayload(t MessageType, data json.RawMessage) (Payload, error) {
	var p Payload
	switch {
	case t == MessageTypeText:
		p = &TextPayload{}
	case t == MessageTypeSticker:
		p = &StickerPayload{}
	case t == MessageTypeLocation:
		p = &LocationPayload{}
	case t.IsMedia():
		p = &MediaPayload{Kind: t}
	case t.IsTemplate():
		p = &TemplatePayload{Kind: t}
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrInvalidPayload, t)
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return p, nil
}

// StripNUL removes NUL bytes that some clients embed in text
func StripNUL(s string) string {
	return strings.ReplaceAll(s, "\x00", "")
}

const lineStickerURL = "https://stickershop.line-scdn.net/stickershop/v1/sticker/%s/android/sticker.png"

// StickerURL resolves the display URL of a stored sticker
func StickerURL(channelType ChannelType, p *StickerPayload) string {
	if p.URL != "" {
		return p.URL
	}
	if channelType == ChannelTypeLine && p.Sticker != "" {
		return fmt.Sprintf(lineStickerURL, p.Sticker)
	}
	return ""
}
