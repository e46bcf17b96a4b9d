package acp

import (
	"encoding/json"
	"strings"

	"github.com/m4xw311/acpclient/errors"
)

// ContentType tags a ContentBlock.
type ContentType string

const (
	ContentText         ContentType = "text"
	ContentImage        ContentType = "image"
	ContentResourceLink ContentType = "resource_link"
	ContentResource     ContentType = "resource"
)

// ContentBlock is one unit of prompt or response payload. The set of types
// is closed; decoding rejects unknown tags and blocks missing the fields
// their type requires.
type ContentBlock struct {
	Type ContentType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image: MimeType plus Data (base64) or URI
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`

	// image and resource_link
	URI string `json:"uri,omitempty"`

	// resource_link metadata
	Name        string `json:"name,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Size        *int64 `json:"size,omitempty"`

	// resource
	Resource *EmbeddedResource `json:"resource,omitempty"`
}

// EmbeddedResource is inline resource content: either Text or a base64 Blob
// with its MimeType.
type EmbeddedResource struct {
	URI      string  `json:"uri,omitempty"`
	Text     *string `json:"text,omitempty"`
	Blob     string  `json:"blob,omitempty"`
	MimeType string  `json:"mimeType,omitempty"`
}

// TextBlock returns a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: ContentText, Text: text}
}

// ImageBlock returns an image block carrying base64 data inline.
func ImageBlock(mimeType, data string) ContentBlock {
	return ContentBlock{Type: ContentImage, MimeType: mimeType, Data: data}
}

// ImageURIBlock returns an image block that references its data by URI.
func ImageURIBlock(mimeType, uri string) ContentBlock {
	return ContentBlock{Type: ContentImage, MimeType: mimeType, URI: uri}
}

// ResourceLinkBlock returns a link to a resource the agent can fetch.
func ResourceLinkBlock(uri string) ContentBlock {
	return ContentBlock{Type: ContentResourceLink, URI: uri}
}

// TextResourceBlock embeds a text resource.
func TextResourceBlock(uri, text string) ContentBlock {
	return ContentBlock{Type: ContentResource, Resource: &EmbeddedResource{URI: uri, Text: &text}}
}

// BlobResourceBlock embeds a binary resource.
func BlobResourceBlock(uri, mimeType, blob string) ContentBlock {
	return ContentBlock{Type: ContentResource, Resource: &EmbeddedResource{URI: uri, Blob: blob, MimeType: mimeType}}
}

// Validate checks that the block carries what its type requires.
func (b ContentBlock) Validate() error {
	switch b.Type {
	case ContentText:
		return nil
	case ContentImage:
		if b.MimeType == "" {
			return errors.New("image block requires mimeType")
		}
		if (b.Data == "") == (b.URI == "") {
			return errors.New("image block requires exactly one of data or uri")
		}
		return nil
	case ContentResourceLink:
		if b.URI == "" {
			return errors.New("resource_link block requires uri")
		}
		return nil
	case ContentResource:
		if b.Resource == nil {
			return errors.New("resource block requires resource")
		}
		return b.Resource.Validate()
	default:
		return errors.New("unknown content block type %q", b.Type)
	}
}

// Validate checks that exactly one of text or blob is set, and that a blob
// names its mime type.
func (r EmbeddedResource) Validate() error {
	hasText, hasBlob := r.Text != nil, r.Blob != ""
	if hasText == hasBlob {
		return errors.New("resource requires exactly one of text or blob")
	}
	if hasBlob && r.MimeType == "" {
		return errors.New("blob resource requires mimeType")
	}
	return nil
}

func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	type plain ContentBlock
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	block := ContentBlock(p)
	if err := block.Validate(); err != nil {
		return err
	}
	*b = block
	return nil
}

func (b ContentBlock) MarshalJSON() ([]byte, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	type plain ContentBlock
	return json.Marshal(plain(b))
}

// JoinText concatenates the text of every text block, in order.
func JoinText(blocks []ContentBlock) string {
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == ContentText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}
