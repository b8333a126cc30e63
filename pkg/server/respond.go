package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/stark-io/stark/pkg/apierror"
)

// envelope is the wire shape of every control API response.
type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
}

type apiError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func writeData(resp http.ResponseWriter, status int, data interface{}) {
	resp.Header().Set("Content-Type", "application/json")
	resp.WriteHeader(status)
	if err := json.NewEncoder(resp).Encode(envelope{Success: true, Data: data}); err != nil {
		logrus.Debugf("Failed to write response: %v", err)
	}
}

// writeErr maps a typed error onto the envelope. Internal errors go out
// with an opaque message; the full detail is logged here.
func writeErr(resp http.ResponseWriter, err error) {
	e, ok := apierror.As(err)
	if !ok {
		e = apierror.NewInternal(err)
	}
	if e.Kind == apierror.KindInternal {
		logrus.Errorf("Internal error on control API: %v", err)
	}
	resp.Header().Set("Content-Type", "application/json")
	resp.WriteHeader(e.HTTPStatus())
	body := envelope{Error: &apiError{Code: e.Code, Message: e.Message, Details: e.Details}}
	if e.Kind == apierror.KindInternal {
		body.Error.Message = "internal error"
	}
	if encodeErr := json.NewEncoder(resp).Encode(body); encodeErr != nil {
		logrus.Debugf("Failed to write error response: %v", encodeErr)
	}
}

// decodeBody reads a JSON request body into out with a sane size cap.
func decodeBody(req *http.Request, out interface{}) error {
	body, err := io.ReadAll(io.LimitReader(req.Body, 1<<20))
	if err != nil {
		return apierror.NewValidation("failed to read request body")
	}
	if len(body) == 0 {
		return apierror.NewValidation("request body is required")
	}
	if err := json.Unmarshal(body, out); err != nil {
		return apierror.NewValidation("malformed request body: %v", err)
	}
	return nil
}
