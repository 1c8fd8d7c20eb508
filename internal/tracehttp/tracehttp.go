// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tracehttp

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"regexp"
)

// traceTransport is an http.RoundTripper that logs the request and
// response at debug level while delegating the real work to another
// http.RoundTripper.
type traceTransport struct {
	delegate http.RoundTripper
	log      *slog.Logger
}

var credentialHeader = regexp.MustCompile(`(?im)^((?:Authorization|Cookie|X-Api-Key)):.*$`)

// redact hides credentials carried in headers.
func redact(dump []byte) string {
	return credentialHeader.ReplaceAllString(string(dump), "$1: REDACTED\r")
}

// RoundTrip logs a dump of the request and response while delegating the
// round trip to the delegate.
func (t *traceTransport) RoundTrip(req *http.Request) (resp *http.Response, err error) {
	ctx := req.Context()
	if !t.log.Enabled(ctx, slog.LevelDebug) {
		return t.delegate.RoundTrip(req)
	}
	dump, dumpErr := httputil.DumpRequestOut(req, true)
	if dumpErr == nil {
		t.log.DebugContext(ctx, "HTTP request", slog.String("dump", redact(dump)))
	}
	resp, err = t.delegate.RoundTrip(req)
	if err != nil {
		t.log.DebugContext(ctx, "HTTP request failed", slog.String("url", req.URL.Redacted()), slog.String("error", err.Error()))
		return resp, err
	}
	dump, dumpErr = httputil.DumpResponse(resp, true)
	if dumpErr == nil {
		t.log.DebugContext(ctx, "HTTP response", slog.String("dump", redact(dump)))
	}
	return resp, err
}

// Wrap returns a RoundTripper that traces every exchange through d to
// log.  A nil d means http.DefaultTransport.
func Wrap(d http.RoundTripper, log *slog.Logger) http.RoundTripper {
	if d == nil {
		d = http.DefaultTransport
	}
	if log == nil {
		log = slog.Default()
	}
	return &traceTransport{delegate: d, log: log}
}
