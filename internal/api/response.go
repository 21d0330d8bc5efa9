// Package api provides HTTP response utilities for FeatureStudio.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/BTreeMap/FeatureStudio/internal/models"
	"github.com/BTreeMap/FeatureStudio/internal/util"
)

// maxRequestBytes caps the body of an API request.
const maxRequestBytes = models.MaxFeatureLength + 4096

// jsonResponses carries the API envelope as its fallback body.
var jsonResponses = util.NewJSONWriter("Server.writeJSONResponse", models.Error("Internal server error"))

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	jsonResponses.Write(w, statusCode, response)
}

// decodeJSONBody decodes a JSON request body into v. An empty body leaves v untouched.
func decodeJSONBody(r *http.Request, v interface{}) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
