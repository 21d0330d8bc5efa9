package workflow

import (
	"bytes"

	"github.com/tidwall/gjson"
)

// FallbackReply is shown when the workflow answered without usable text.
const FallbackReply = "I received your message and processed it successfully."

// Response is the normalised workflow answer: either a TextResponse or a StructuredResponse.
type Response interface {
	// Reply returns the text to show in the chat.
	Reply() string
	// Document returns the updated feature document, if the workflow sent one.
	Document() (string, bool)

	isResponse()
}

// TextResponse is a plain text answer.
type TextResponse struct {
	Text string
}

func (r TextResponse) Reply() string            { return r.Text }
func (r TextResponse) Document() (string, bool) { return "", false }
func (TextResponse) isResponse()                {}

// StructuredResponse is a JSON answer carrying a reply and optionally a new document.
type StructuredResponse struct {
	Text string
	Doc  *string
}

func (r StructuredResponse) Reply() string { return r.Text }

func (r StructuredResponse) Document() (string, bool) {
	if r.Doc == nil {
		return "", false
	}
	return *r.Doc, true
}

func (StructuredResponse) isResponse() {}

// ParseResponse normalises a workflow response body.
//
// A JSON object yields a StructuredResponse from its "output" and "feature" fields,
// a JSON array is read through its first element, a JSON string is taken as text and
// anything that is not JSON is taken verbatim. Missing or empty reply text becomes
// FallbackReply.
func ParseResponse(body []byte) Response {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return TextResponse{Text: FallbackReply}
	}
	if !gjson.ValidBytes(trimmed) {
		return TextResponse{Text: string(body)}
	}

	result := gjson.ParseBytes(trimmed)
	if result.IsArray() {
		result = result.Get("0")
	}

	switch {
	case result.IsObject():
		out := StructuredResponse{Text: FallbackReply}
		if output := result.Get("output"); truthy(output) {
			out.Text = output.String()
		}
		if feature := result.Get("feature"); truthy(feature) {
			doc := feature.String()
			out.Doc = &doc
		}
		return out
	case result.Type == gjson.String && result.Str != "":
		return TextResponse{Text: result.Str}
	default:
		return TextResponse{Text: FallbackReply}
	}
}

// truthy reports whether a JSON value carries something worth showing.
func truthy(r gjson.Result) bool {
	switch r.Type {
	case gjson.String:
		return r.Str != ""
	case gjson.Number:
		return r.Num != 0
	case gjson.True, gjson.JSON:
		return true
	default:
		return false
	}
}
