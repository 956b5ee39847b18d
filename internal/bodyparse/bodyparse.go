// Package bodyparse parses request bodies into a flat field map the
// defense nodes can inspect, without materializing uploaded files.
// Grounded on the teacher's multi-format JSON sniffing idiom in
// internal/proxy/tokens.go (ExtractTokenUsage/ExtractToolCalls try several
// shapes in sequence) and its streaming multipart handling implied by
// internal/websocket frame buffering.
package bodyparse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"mime/multipart"
	"net/url"
	"strings"
)

// FileMarker is substituted for any multipart file part's content.
const FileMarker = "[FILE:%s]"

// Fields is a flattened view of a parsed request body: form-encoded keys
// map directly, JSON is flattened with dotted paths
// ("user.profile.name"), arrays get numeric indices ("tags.0").
type Fields map[string]string

// ParseResult carries the flattened fields plus bookkeeping the scanner
// and field-rule detectors need.
type ParseResult struct {
	Fields      Fields
	ExtraFields []string // fields seen but not expected, for expected_fields/max_extra_fields
	FileFields  []string // names of fields that were files (elided)
	RawBody     []byte   // original bytes, used for combined-text pattern scans
	ParseFailed bool
}

// Parse dispatches on content-type to the appropriate parser. On failure
// (malformed JSON, broken multipart boundary) it returns ParseFailed=true
// with an empty field map — callers fall back to scanning raw bytes/headers
// only, per the spec's malformed-input handling.
func Parse(contentType string, body []byte) *ParseResult {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	}

	switch {
	case mediaType == "application/x-www-form-urlencoded":
		return parseURLEncoded(body)
	case strings.HasPrefix(mediaType, "multipart/"):
		boundary := params["boundary"]
		return parseMultipart(body, boundary)
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		return parseJSON(body)
	default:
		return &ParseResult{Fields: Fields{}, RawBody: body}
	}
}

func parseURLEncoded(body []byte) *ParseResult {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return &ParseResult{Fields: Fields{}, RawBody: body, ParseFailed: true}
	}
	fields := make(Fields, len(values))
	for k, v := range values {
		if len(v) > 0 {
			fields[k] = v[0]
		}
	}
	return &ParseResult{Fields: fields, RawBody: body}
}

func parseMultipart(body []byte, boundary string) *ParseResult {
	if boundary == "" {
		return &ParseResult{Fields: Fields{}, RawBody: body, ParseFailed: true}
	}

	reader := multipart.NewReader(bytes.NewReader(body), boundary)
	fields := make(Fields)
	var files []string

	for {
		part, err := reader.NextPart()
		if err != nil {
			break
		}
		name := part.FormName()
		if name == "" {
			continue
		}
		if part.FileName() != "" {
			files = append(files, name)
			fields[name] = fmt.Sprintf(FileMarker, part.FileName())
			continue
		}
		buf := make([]byte, 0, 512)
		tmp := make([]byte, 512)
		for {
			n, rerr := part.Read(tmp)
			if n > 0 {
				buf = append(buf, tmp[:n]...)
			}
			if rerr != nil {
				break
			}
		}
		fields[name] = string(buf)
	}

	return &ParseResult{Fields: fields, FileFields: files, RawBody: body}
}

// parseJSON flattens a JSON document into dotted-path string fields.
func parseJSON(body []byte) *ParseResult {
	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return &ParseResult{Fields: Fields{}, RawBody: body, ParseFailed: true}
	}
	fields := make(Fields)
	flatten("", doc, fields)
	return &ParseResult{Fields: fields, RawBody: body}
}

func flatten(prefix string, v interface{}, out Fields) {
	switch val := v.(type) {
	case map[string]interface{}:
		for k, sub := range val {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			flatten(key, sub, out)
		}
	case []interface{}:
		for i, sub := range val {
			key := fmt.Sprintf("%s.%d", prefix, i)
			flatten(key, sub, out)
		}
	case string:
		out[prefix] = val
	case nil:
		out[prefix] = ""
	default:
		out[prefix] = fmt.Sprintf("%v", val)
	}
}

// CombinedText joins all field values for defense nodes that scan "the
// combined text" of a submission rather than named fields.
func (r *ParseResult) CombinedText() string {
	var sb strings.Builder
	for _, v := range r.Fields {
		sb.WriteString(v)
		sb.WriteByte(' ')
	}
	return sb.String()
}
