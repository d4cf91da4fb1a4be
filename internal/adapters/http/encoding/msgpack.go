// Package encoding negotiates JSON or MessagePack bodies for the HTTP API.
package encoding

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

const ContentTypeMsgpack = "application/msgpack"
const ContentTypeJSON = "application/json"

// MaxBodyBytes caps request bodies; datasets travel inline with a run request.
const MaxBodyBytes = 16 << 20

// NegotiateContentType checks the Accept header and returns the preferred content type
func NegotiateContentType(r *http.Request) string {
	accept := r.Header.Get("Accept")
	if accept == "" {
		return ContentTypeJSON
	}
	if strings.Contains(accept, ContentTypeMsgpack) || strings.Contains(accept, "application/x-msgpack") {
		return ContentTypeMsgpack
	}
	return ContentTypeJSON
}

// Respond writes data in the content type the client asked for.
func Respond(w http.ResponseWriter, r *http.Request, status int, data any) error {
	if NegotiateContentType(r) == ContentTypeMsgpack {
		return WriteMsgpack(w, status, data)
	}
	return WriteJSON(w, status, data)
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data any) error {
	w.Header().Set("Content-Type", ContentTypeJSON)
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteMsgpack writes a MessagePack response with the given status code
func WriteMsgpack(w http.ResponseWriter, status int, data any) error {
	w.Header().Set("Content-Type", ContentTypeMsgpack)
	w.WriteHeader(status)

	encoder := msgpack.NewEncoder(w)
	encoder.SetCustomStructTag("json")
	return encoder.Encode(data)
}

// ReadMsgpack reads MessagePack data from the request body
func ReadMsgpack(r *http.Request, target any) error {
	decoder := msgpack.NewDecoder(r.Body)
	decoder.SetCustomStructTag("json")
	return decoder.Decode(target)
}

// ReadBody decodes the request body according to its Content-Type. Anything
// other than MessagePack is read as JSON; unknown JSON fields are rejected.
func ReadBody(w http.ResponseWriter, r *http.Request, target any) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case ContentTypeMsgpack, "application/x-msgpack":
		if err := ReadMsgpack(r, target); err != nil {
			return fmt.Errorf("decode msgpack body: %w", err)
		}
	default:
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(target); err != nil {
			return fmt.Errorf("decode json body: %w", err)
		}
	}
	return nil
}
