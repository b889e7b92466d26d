// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package httputil

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/go-chi/chi"
)

// StatusError occurs if an HTTP response has an unexpected status code.
type StatusError struct {
	Method       string
	URL          string
	Status       int
	Header       http.Header
	ResponseDump string
}

// NewStatusError returns a new StatusError.
func NewStatusError(resp *http.Response) StatusError {
	defer resp.Body.Close()
	respBytes, err := ioutil.ReadAll(resp.Body)
	respDump := string(respBytes)
	if err != nil {
		respDump = fmt.Sprintf("failed to dump response: %s", err)
	}
	return StatusError{
		Method:       resp.Request.Method,
		URL:          resp.Request.URL.String(),
		Status:       resp.StatusCode,
		Header:       resp.Header,
		ResponseDump: respDump,
	}
}

func (e StatusError) Error() string {
	if e.ResponseDump == "" {
		return fmt.Sprintf("%s %s %d", e.Method, e.URL, e.Status)
	}
	return fmt.Sprintf("%s %s %d: %s", e.Method, e.URL, e.Status, e.ResponseDump)
}

// IsStatus returns true if err is a StatusError of the given status.
func IsStatus(err error, status int) bool {
	statusErr, ok := err.(StatusError)
	return ok && statusErr.Status == status
}

// IsNotFound returns true if err is a 404 StatusError.
func IsNotFound(err error) bool {
	return IsStatus(err, http.StatusNotFound)
}

// IsConflict returns true if err is a 409 StatusError.
func IsConflict(err error) bool {
	return IsStatus(err, http.StatusConflict)
}

// IsAccepted returns true if err is a 202 StatusError.
func IsAccepted(err error) bool {
	return IsStatus(err, http.StatusAccepted)
}

// IsForbidden returns true if statis code is 403.
func IsForbidden(err error) bool {
	return IsStatus(err, http.StatusForbidden)
}

// NetworkError occurs on any Send error which occurred while attempting to
// send the HTTP request, e.g. the given host is unresponsive.
type NetworkError struct {
	err error
}

// NewNetworkError returns a new NetworkError.
func NewNetworkError(err error) NetworkError {
	return NetworkError{err}
}

func (e NetworkError) Error() string {
	return fmt.Sprintf("network error: %s", e.err)
}

// IsNetworkError returns true if err is a NetworkError.
func IsNetworkError(err error) bool {
	_, ok := err.(NetworkError)
	return ok
}

type sendOptions struct {
	body          io.Reader
	timeout       time.Duration
	acceptedCodes map[int]bool
	headers       map[string]string
	redirect      func(req *http.Request, via []*http.Request) error
	retry         retryOptions
	transport     http.RoundTripper
	tls           *tls.Config
}

// defaultSendOptions creates httpOption with default settings.
func defaultSendOptions() sendOptions {
	return sendOptions{
		body:          nil,
		timeout:       60 * time.Second,
		acceptedCodes: map[int]bool{http.StatusOK: true},
		headers:       map[string]string{},
		retry:         retryOptions{max: 1},
		transport:     nil,
	}
}

// SendOption allows overriding defaults for the Send function.
type SendOption func(*sendOptions)

// SendNoop returns a no-op option.
func SendNoop() SendOption {
	return func(o *sendOptions) {}
}

// SendBody specifies a body for http request.
func SendBody(body io.Reader) SendOption {
	return func(o *sendOptions) { o.body = body }
}

// SendTimeout specifies timeout for http request.
func SendTimeout(timeout time.Duration) SendOption {
	return func(o *sendOptions) { o.timeout = timeout }
}

// SendHeaders specifies headers for http request.
func SendHeaders(headers map[string]string) SendOption {
	return func(o *sendOptions) { o.headers = headers }
}

// SendAcceptedCodes specifies accepted codes for http request.
func SendAcceptedCodes(codes ...int) SendOption {
	m := make(map[int]bool)
	for _, c := range codes {
		m[c] = true
	}
	return func(o *sendOptions) { o.acceptedCodes = m }
}

// SendTransport specifies transport for http request.
func SendTransport(transport http.RoundTripper) SendOption {
	return func(o *sendOptions) { o.transport = transport }
}

// SendTLS specifies a tls config for http request.
func SendTLS(config *tls.Config) SendOption {
	return func(o *sendOptions) {
		if config == nil {
			return
		}
		o.tls = config
	}
}

// SendRedirect specifies a redirect policy for http request.
func SendRedirect(redirect func(req *http.Request, via []*http.Request) error) SendOption {
	return func(o *sendOptions) { o.redirect = redirect }
}

type retryOptions struct {
	backoff    backoff.BackOff
	max        int
	retryCodes map[int]bool
}

// RetryOption allows overriding defaults for the SendRetry option.
type RetryOption func(*retryOptions)

// RetryBackoff specifies backoff policy for retries.
func RetryBackoff(b backoff.BackOff) RetryOption {
	return func(o *retryOptions) { o.backoff = b }
}

// RetryCodes adds codes to the list of status codes which are retried.
func RetryCodes(codes ...int) RetryOption {
	return func(o *retryOptions) {
		for _, c := range codes {
			o.retryCodes[c] = true
		}
	}
}

// SendRetry will retry the HTTP request on network errors and retryable
// status codes. Defaults to retry on 5XX codes.
func SendRetry(options ...RetryOption) SendOption {
	retry := retryOptions{
		backoff: backoff.WithMaxRetries(
			backoff.NewConstantBackOff(250*time.Millisecond),
			2),
		retryCodes: map[int]bool{},
	}
	for _, o := range options {
		o(&retry)
	}
	return func(o *sendOptions) { o.retry = retry }
}

func isRetryable(o sendOptions, resp *http.Response) bool {
	if resp.StatusCode >= 500 && !o.acceptedCodes[resp.StatusCode] {
		return true
	}
	return o.retry.retryCodes[resp.StatusCode]
}

// Send sends an HTTP request. May return NetworkError or StatusError.
func Send(method, rawurl string, options ...SendOption) (resp *http.Response, err error) {
	opts := defaultSendOptions()
	for _, o := range options {
		o(&opts)
	}

	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, fmt.Errorf("parse url: %s", err)
	}
	if opts.tls != nil {
		u.Scheme = "https"
	}

	req, err := http.NewRequest(method, u.String(), opts.body)
	if err != nil {
		return nil, fmt.Errorf("new request: %s", err)
	}
	for key, val := range opts.headers {
		req.Header.Set(key, val)
	}

	client := http.Client{
		Timeout:       opts.timeout,
		CheckRedirect: opts.redirect,
		Transport:     opts.transport,
	}
	if opts.tls != nil {
		client.Transport = &http.Transport{TLSClientConfig: opts.tls}
	}

	var b backoff.BackOff = &backoff.StopBackOff{}
	if opts.retry.backoff != nil {
		b = opts.retry.backoff
		b.Reset()
	}
	for {
		resp, err = client.Do(req)
		if err != nil || isRetryable(opts, resp) {
			d := b.NextBackOff()
			if d != backoff.Stop {
				time.Sleep(d)
				if opts.body != nil {
					if seeker, ok := opts.body.(io.Seeker); ok {
						seeker.Seek(0, io.SeekStart)
					}
				}
				continue
			}
		}
		break
	}
	if err != nil {
		return nil, NewNetworkError(err)
	}
	if !opts.acceptedCodes[resp.StatusCode] {
		return nil, NewStatusError(resp)
	}
	return resp, nil
}

// Get sends a GET http request.
func Get(url string, options ...SendOption) (*http.Response, error) {
	return Send("GET", url, options...)
}

// Head sends a HEAD http request.
func Head(url string, options ...SendOption) (*http.Response, error) {
	return Send("HEAD", url, options...)
}

// Post sends a POST http request.
func Post(url string, options ...SendOption) (*http.Response, error) {
	return Send("POST", url, options...)
}

// Put sends a PUT http request.
func Put(url string, options ...SendOption) (*http.Response, error) {
	return Send("PUT", url, options...)
}

// Delete sends a DELETE http request.
func Delete(url string, options ...SendOption) (*http.Response, error) {
	return Send("DELETE", url, options...)
}

// PollAccepted polls the given url with GET requests, waiting until the
// status code transitions from 202 to 200.
func PollAccepted(
	url string, b backoff.BackOff, options ...SendOption) (*http.Response, error) {

	b.Reset()
	for {
		resp, err := Get(url, append(options, SendAcceptedCodes(200, 202))...)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}
		resp.Body.Close()
		d := b.NextBackOff()
		if d == backoff.Stop {
			break
		}
		time.Sleep(d)
	}
	return nil, errors.New("202 poll timed out")
}

// GetQueryArg gets an argument from http.Request by name. When the argument
// is not specified, it returns a default value.
func GetQueryArg(r *http.Request, name string, defaultVal string) string {
	v := r.URL.Query().Get(name)
	if v == "" {
		v = defaultVal
	}
	return v
}

// ParseParam parses a url path parameter via chi and unescapes it.
func ParseParam(r *http.Request, name string) (string, error) {
	param := chi.URLParam(r, name)
	if param == "" {
		return "", fmt.Errorf("param %q is required", name)
	}
	val, err := url.PathUnescape(param)
	if err != nil {
		return "", fmt.Errorf("path unescape %s: %s", name, err)
	}
	return val, nil
}

// ReadBody reads and closes the body of resp.
func ReadBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
