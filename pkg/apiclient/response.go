package apiclient

import (
	"encoding/json"
	"mime"
	"strings"
)

// Response is a successful (2xx) reply. JSON is set when the Content-Type is
// JSON and the body is non-empty; otherwise Text holds the raw body.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
	JSON        interface{}
	Text        string
}

// IsJSON reports whether the response was negotiated as JSON
func (r *Response) IsJSON() bool {
	mt, _, err := mime.ParseMediaType(r.ContentType)
	if err != nil {
		return strings.Contains(r.ContentType, "application/json")
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

// Decode unmarshals the JSON body into v. Text responses are rejected so
// callers never silently decode an HTML error page.
func (r *Response) Decode(v interface{}) error {
	if !r.IsJSON() {
		return &ParseError{ContentType: r.ContentType, Err: errNotJSON}
	}
	if len(r.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return &ParseError{ContentType: r.ContentType, Err: err}
	}
	return nil
}
