// Package validate checks client input before anything is persisted.
package validate

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/capitalize-ai/chatstream/internal/model"
)

const (
	// MaxContentLength is the longest accepted message, in runes.
	MaxContentLength = 10000
	// MaxTitleLength is the longest accepted session title, in runes.
	MaxTitleLength = 50
	// TitlePrefixLength is how much of the first message becomes the title
	// of an implicitly created session.
	TitlePrefixLength = 10
)

const attachmentSchemaJSON = `{
	"type": "object",
	"properties": {
		"photos": {
			"type": "array",
			"maxItems": 9,
			"items": {"type": "string", "minLength": 1, "maxLength": 2048}
		},
		"files": {
			"type": "array",
			"maxItems": 9,
			"items": {
				"type": "object",
				"required": ["url"],
				"properties": {
					"url": {"type": "string", "minLength": 1, "maxLength": 2048},
					"name": {"type": "string", "maxLength": 255},
					"size": {"type": "integer", "minimum": 0},
					"mime_type": {"type": "string"}
				}
			}
		}
	}
}`

const metadataSchemaJSON = `{
	"type": "object",
	"maxProperties": 32,
	"propertyNames": {"maxLength": 64}
}`

var (
	attachmentSchema = mustSchema(attachmentSchemaJSON)
	metadataSchema   = mustSchema(metadataSchemaJSON)
)

func mustSchema(src string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("validate: compiling schema: %v", err))
	}
	return s
}

// Content validates message content.
func Content(content string) error {
	if !utf8.ValidString(content) {
		return model.Invalid("content", "must be valid UTF-8")
	}
	if strings.TrimSpace(content) == "" {
		return model.Invalid("content", "cannot be empty")
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return model.Invalid("content", fmt.Sprintf("exceeds %d characters", MaxContentLength))
	}
	return nil
}

// Title validates a session title. Empty titles are rejected.
func Title(title string) error {
	if !utf8.ValidString(title) {
		return model.Invalid("title", "must be valid UTF-8")
	}
	if strings.TrimSpace(title) == "" {
		return model.Invalid("title", "cannot be empty")
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return model.Invalid("title", fmt.Sprintf("exceeds %d characters", MaxTitleLength))
	}
	return nil
}

// ID validates a session or message identifier.
func ID(field, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return model.Invalid(field, "invalid ID format")
	}
	return nil
}

// Attachments validates photo references and file descriptors.
func Attachments(photos []string, files []map[string]any) error {
	if len(photos) == 0 && len(files) == 0 {
		return nil
	}
	doc := map[string]any{}
	if photos != nil {
		doc["photos"] = photos
	}
	if files != nil {
		doc["files"] = files
	}
	return check(attachmentSchema, "attachments", doc)
}

// Metadata validates free-form session metadata.
func Metadata(md map[string]any) error {
	if md == nil {
		return nil
	}
	return check(metadataSchema, "metadata", md)
}

func check(schema *gojsonschema.Schema, field string, doc any) error {
	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return model.Invalid(field, "malformed document")
	}
	if result.Valid() {
		return nil
	}
	first := result.Errors()[0]
	name := first.Field()
	if name == "" || name == "(root)" {
		name = field
	}
	return model.Invalid(name, first.Description())
}

// SendRequest validates a send request.
func SendRequest(req *model.SendRequest) error {
	if req.SessionID != "" {
		if err := ID("session_id", req.SessionID); err != nil {
			return err
		}
	}
	if err := Content(req.Content); err != nil {
		return err
	}
	return Attachments(req.Photos, req.Files)
}

// CreateSessionRequest validates an explicit session create. The title is
// optional.
func CreateSessionRequest(req *model.CreateSessionRequest) error {
	if req.Title != "" {
		if err := Title(req.Title); err != nil {
			return err
		}
	}
	return Metadata(req.Metadata)
}

// TitleFromContent derives a session title from the first message.
func TitleFromContent(content string) string {
	content = strings.TrimSpace(content)
	if content == "" {
		return model.DefaultSessionTitle
	}
	runes := []rune(content)
	if len(runes) > TitlePrefixLength {
		runes = runes[:TitlePrefixLength]
	}
	return strings.TrimSpace(string(runes))
}
