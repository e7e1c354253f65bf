package poisync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const pushSchemaURL = "https://poisync.local/schemas/push-request.json"

// timestampFormat is RFC 3339 plus zone-less local date-times, the same
// values pull accepts as a watermark.
var timestampFormat = &jsonschema.Format{
	Name: "iso-date-time",
	Validate: func(v any) error {
		s, ok := v.(string)
		if !ok {
			return nil
		}
		_, err := ParseTimestamp(s)
		return err
	},
}

const pushRequestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["userId"],
  "properties": {
    "deviceId": {"type": ["string", "null"]},
    "userId": {"type": "string", "minLength": 1},
    "lastSyncAt": {"type": ["string", "null"], "format": "iso-date-time"},
    "favorites": {"type": ["array", "null"], "items": {"$ref": "#/$defs/favorite"}},
    "cached": {"type": ["array", "null"], "items": {"$ref": "#/$defs/cached"}},
    "searchHistory": {"type": ["array", "null"], "items": {"$ref": "#/$defs/searchHistory"}}
  },
  "$defs": {
    "optionalText": {"type": ["string", "null"]},
    "optionalNumber": {"type": ["number", "null"]},
    "optionalTime": {"type": ["string", "null"], "format": "iso-date-time"},
    "favorite": {
      "type": "object",
      "required": ["poiId", "nombre"],
      "properties": {
        "poiId": {"type": "string", "minLength": 1},
        "userId": {"$ref": "#/$defs/optionalText"},
        "nombre": {"type": "string", "minLength": 1},
        "descripcion": {"$ref": "#/$defs/optionalText"},
        "categoria": {"$ref": "#/$defs/optionalText"},
        "direccion": {"$ref": "#/$defs/optionalText"},
        "lat": {"$ref": "#/$defs/optionalNumber"},
        "lon": {"$ref": "#/$defs/optionalNumber"},
        "calificacion": {"$ref": "#/$defs/optionalNumber"},
        "imagenUrl": {"$ref": "#/$defs/optionalText"},
        "createdAt": {"$ref": "#/$defs/optionalTime"},
        "updatedAt": {"$ref": "#/$defs/optionalTime"},
        "deleted": {"type": ["boolean", "null"]}
      }
    },
    "cached": {
      "type": "object",
      "required": ["poiId", "nombre"],
      "properties": {
        "poiId": {"type": "string", "minLength": 1},
        "userId": {"$ref": "#/$defs/optionalText"},
        "nombre": {"type": "string", "minLength": 1},
        "descripcion": {"$ref": "#/$defs/optionalText"},
        "categoria": {"$ref": "#/$defs/optionalText"},
        "direccion": {"$ref": "#/$defs/optionalText"},
        "lat": {"$ref": "#/$defs/optionalNumber"},
        "lon": {"$ref": "#/$defs/optionalNumber"},
        "calificacion": {"$ref": "#/$defs/optionalNumber"},
        "imagenUrl": {"$ref": "#/$defs/optionalText"},
        "cachedAt": {"$ref": "#/$defs/optionalTime"},
        "expiresAt": {"$ref": "#/$defs/optionalTime"}
      }
    },
    "searchHistory": {
      "type": "object",
      "required": ["searchQuery"],
      "properties": {
        "id": {"type": ["integer", "null"], "minimum": 1},
        "userId": {"$ref": "#/$defs/optionalText"},
        "deviceId": {"$ref": "#/$defs/optionalText"},
        "searchQuery": {"type": "string", "minLength": 1},
        "searchType": {"$ref": "#/$defs/optionalText"},
        "latitude": {"$ref": "#/$defs/optionalNumber"},
        "longitude": {"$ref": "#/$defs/optionalNumber"},
        "createdAt": {"$ref": "#/$defs/optionalTime"},
        "deleted": {"type": ["boolean", "null"]}
      }
    }
  }
}`

var (
	pushSchemaOnce sync.Once
	pushSchema     *jsonschema.Schema
	pushSchemaErr  error
	schemaPrinter  = message.NewPrinter(language.English)
)

func compiledPushSchema() (*jsonschema.Schema, error) {
	pushSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(pushRequestSchema))
		if err != nil {
			pushSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		compiler.AssertFormat()
		compiler.RegisterFormat(timestampFormat)
		if err := compiler.AddResource(pushSchemaURL, doc); err != nil {
			pushSchemaErr = err
			return
		}
		pushSchema, pushSchemaErr = compiler.Compile(pushSchemaURL)
	})
	return pushSchema, pushSchemaErr
}

// DecodePushRequest checks body against the push request schema and decodes
// it. Malformed JSON is ErrInvalidInput; a well-formed body that breaks the
// schema is a *ValidationError pointing at the offending item.
func DecodePushRequest(body []byte) (PushRequest, error) {
	schema, err := compiledPushSchema()
	if err != nil {
		return PushRequest{}, fmt.Errorf("compile push schema: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return PushRequest{}, fmt.Errorf("%w: malformed JSON body: %v", ErrInvalidInput, err)
	}
	if err := schema.Validate(instance); err != nil {
		return PushRequest{}, schemaValidationError(err)
	}
	canonicalizeTimestamps(instance)
	normalized, err := json.Marshal(instance)
	if err != nil {
		return PushRequest{}, &ValidationError{Message: err.Error()}
	}
	var req PushRequest
	if err := json.Unmarshal(normalized, &req); err != nil {
		return PushRequest{}, &ValidationError{Message: err.Error()}
	}
	return req, nil
}

var recordTimestampFields = map[string][]string{
	KindFavorite:      {"createdAt", "updatedAt"},
	KindCached:        {"cachedAt", "expiresAt"},
	KindSearchHistory: {"createdAt"},
}

// canonicalizeTimestamps rewrites every timestamp of a schema-valid push body
// as RFC 3339 in UTC so it decodes into time.Time.
func canonicalizeTimestamps(instance any) {
	doc, ok := instance.(map[string]any)
	if !ok {
		return
	}
	canonicalizeField(doc, "lastSyncAt")
	for kind, fields := range recordTimestampFields {
		items, _ := doc[kind].([]any)
		for _, item := range items {
			record, ok := item.(map[string]any)
			if !ok {
				continue
			}
			for _, field := range fields {
				canonicalizeField(record, field)
			}
		}
	}
}

func canonicalizeField(record map[string]any, field string) {
	raw, ok := record[field].(string)
	if !ok {
		return
	}
	if parsed, err := ParseTimestamp(raw); err == nil {
		record[field] = parsed.Format(time.RFC3339Nano)
	}
}

func schemaValidationError(err error) error {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return &ValidationError{Message: err.Error()}
	}
	leaf := verr
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	out := &ValidationError{Message: leaf.ErrorKind.LocalizedString(schemaPrinter)}
	loc := leaf.InstanceLocation
	if len(loc) >= 2 && isRecordKind(loc[0]) {
		if index, convErr := strconv.Atoi(loc[1]); convErr == nil {
			out.Kind = loc[0]
			out.Index = index
			out.Field = strings.Join(loc[2:], ".")
			if out.Field == "" {
				out.Field = "item"
			}
			return out
		}
	}
	if len(loc) > 0 {
		out.Field = strings.Join(loc, ".")
	}
	return out
}

func isRecordKind(name string) bool {
	switch name {
	case KindFavorite, KindCached, KindSearchHistory:
		return true
	}
	return false
}
