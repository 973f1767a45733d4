package common

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

const (
	// AppErrorHeader - a http response header to send an application error code.
	AppErrorHeader = "X-App-Error-Code"

	// UploadOffsetHeader carries the expected offset on a chunk append and the
	// current offset on responses.
	UploadOffsetHeader = "Upload-Offset"

	// UploadLengthHeader carries the total declared length of an upload.
	UploadLengthHeader = "Upload-Length"

	// UploadMetadataHeader carries client metadata as comma-separated
	// "key base64(value)" pairs.
	UploadMetadataHeader = "Upload-Metadata"

	// AdminKeyHeader lets operators bypass the anonymous quota ceiling.
	AdminKeyHeader = "X-App-Admin-Key"
)

/*ReqRespHandlerf - a type for the default handler signature */
type ReqRespHandlerf func(w http.ResponseWriter, r *http.Request)

/*JSONResponderF - a handler that takes a standard request and responds with a json response */
type JSONResponderF func(ctx context.Context, r *http.Request) (interface{}, error)

/*Respond - respond either data or error as a response */
func Respond(w http.ResponseWriter, data interface{}, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if err != nil {
		data := make(map[string]interface{}, 2)
		data["error"] = err.Error()
		if cerr, ok := err.(*Error); ok {
			data["code"] = cerr.Code
		}
		buf := bytes.NewBuffer(nil)
		json.NewEncoder(buf).Encode(data) //nolint:errcheck // encoding a map of strings
		w.WriteHeader(400)
		fmt.Fprintln(w, buf.String())
	} else if data != nil {
		json.NewEncoder(w).Encode(data) //nolint:errcheck
	}
}

func SetupCORSResponse(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, PATCH, DELETE, HEAD")
	w.Header().Set("Access-Control-Allow-Headers",
		"Accept, Content-Type, Accept-Encoding, Upload-Length, Upload-Offset, Upload-Metadata, X-App-Admin-Key")
}

/*ToJSONResponse - An adapter that takes a handler of the form
* func AHandler(ctx context.Context, r *http.Request) (interface{}, error)
* which takes a request object, processes and returns an object or an error
* and converts into a standard request/response handler
 */
func ToJSONResponse(handler JSONResponderF) ReqRespHandlerf {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*") // CORS for all.
		if r.Method == "OPTIONS" {
			SetupCORSResponse(w, r)
			return
		}
		ctx := r.Context()
		data, err := handler(ctx, r)
		Respond(w, data, err)
	}
}

