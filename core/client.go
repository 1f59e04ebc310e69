package core

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
)

// Client provides easy in-process access to the REST API. It routes
// pseudo requests through the backend's router with an httptest
// recorder, so it can be used both for internal sub-requests (nested
// relation loading) and for tests.
type Client struct {
	router  *mux.Router
	ctx     context.Context
	headers map[string]string
}

// NewClient creates a client to make pseudo-REST requests to the backend.
func NewClient(router *mux.Router) Client {
	return Client{
		router: router,
	}
}

// WithContext returns a derived client which issues its requests with the
// given context.
func (c Client) WithContext(ctx context.Context) Client {
	c.ctx = ctx
	return c
}

// WithHeader returns a derived client which adds the given header to
// every request.
func (c Client) WithHeader(key, value string) Client {
	headers := map[string]string{}
	for k, v := range c.headers {
		headers[k] = v
	}
	headers[key] = value
	c.headers = headers
	return c
}

func (c Client) context() context.Context {
	if c.ctx != nil {
		return c.ctx
	}
	return context.Background()
}

func (c Client) do(method, path string, body []byte) *httptest.ResponseRecorder {
	var reader *bytes.Buffer
	if body == nil {
		reader = &bytes.Buffer{}
	} else {
		reader = bytes.NewBuffer(body)
	}
	r, _ := http.NewRequestWithContext(c.context(), method, path, reader)
	for k, v := range c.headers {
		r.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	c.router.ServeHTTP(rec, r)
	return rec
}

// RawGet gets the resource from path and returns the status code and raw body.
func (c Client) RawGet(path string) (int, []byte) {
	rec := c.do(http.MethodGet, path, nil)
	return rec.Code, rec.Body.Bytes()
}

// RawPut puts body to path and returns the status code and raw response
// body, without any expectation on the status.
func (c Client) RawPut(path string, body interface{}) (int, []byte) {
	j, err := json.Marshal(body)
	if err != nil {
		return http.StatusBadRequest, nil
	}
	rec := c.do(http.MethodPut, path, j)
	return rec.Code, rec.Body.Bytes()
}

// RawPatch patches the resource at path and returns the status code and
// raw response body, without any expectation on the status.
func (c Client) RawPatch(path string, body interface{}) (int, []byte) {
	j, err := json.Marshal(body)
	if err != nil {
		return http.StatusBadRequest, nil
	}
	rec := c.do(http.MethodPatch, path, j)
	return rec.Code, rec.Body.Bytes()
}

// Get gets the resource from path. Expects http.StatusOK or http.StatusPartialContent
// as response, otherwise it will flag an error. Returns the actual http status code.
func (c Client) Get(path string, result interface{}) (int, error) {
	rec := c.do(http.MethodGet, path, nil)
	status := rec.Code
	if status == http.StatusNoContent {
		return status, nil
	}
	if status != http.StatusOK && status != http.StatusPartialContent {
		return status, fmt.Errorf("handler returned wrong status code: got %v want %v. Error: %s",
			status, http.StatusOK, rec.Body.String())
	}
	err := json.Unmarshal(rec.Body.Bytes(), result)
	return status, err
}

// GetWithHeaders behaves like Get but additionally returns the response headers.
func (c Client) GetWithHeaders(path string, result interface{}) (int, http.Header, error) {
	rec := c.do(http.MethodGet, path, nil)
	status := rec.Code
	if status != http.StatusOK && status != http.StatusPartialContent {
		return status, rec.Header(), fmt.Errorf("handler returned wrong status code: got %v want %v. Error: %s",
			status, http.StatusOK, rec.Body.String())
	}
	err := json.Unmarshal(rec.Body.Bytes(), result)
	return status, rec.Header(), err
}

// Post posts a resource to path. Expects http.StatusCreated as response,
// otherwise it will flag an error. Returns the actual http status code.
func (c Client) Post(path string, body interface{}, result interface{}) (int, error) {
	j, err := json.Marshal(body)
	if err != nil {
		return http.StatusBadRequest, err
	}
	rec := c.do(http.MethodPost, path, j)
	status := rec.Code
	if status != http.StatusCreated {
		return status, fmt.Errorf("handler returned wrong status code: got %v want %v. Error: %s",
			status, http.StatusCreated, rec.Body.String())
	}
	if result != nil && rec.Body.Len() > 0 {
		err = json.Unmarshal(rec.Body.Bytes(), result)
	}
	return status, err
}

// PostWithHeaders behaves like Post but additionally returns the
// response headers, most notably the Location of the created entity.
func (c Client) PostWithHeaders(path string, body interface{}, result interface{}) (int, http.Header, error) {
	j, err := json.Marshal(body)
	if err != nil {
		return http.StatusBadRequest, nil, err
	}
	rec := c.do(http.MethodPost, path, j)
	status := rec.Code
	if status != http.StatusCreated {
		return status, rec.Header(), fmt.Errorf("handler returned wrong status code: got %v want %v. Error: %s",
			status, http.StatusCreated, rec.Body.String())
	}
	if result != nil && rec.Body.Len() > 0 {
		err = json.Unmarshal(rec.Body.Bytes(), result)
	}
	return status, rec.Header(), err
}

// Put puts a resource to path. Expects http.StatusOK, http.StatusCreated or
// http.StatusNoContent as valid responses, otherwise it will flag an error.
// Returns the actual http status code.
func (c Client) Put(path string, body interface{}, result interface{}) (int, error) {
	j, err := json.Marshal(body)
	if err != nil {
		return http.StatusBadRequest, err
	}
	rec := c.do(http.MethodPut, path, j)
	status := rec.Code
	if status != http.StatusOK && status != http.StatusCreated && status != http.StatusNoContent {
		return status, fmt.Errorf("handler returned wrong status code: got %v want %v, %v or %v. Error: %s",
			status, http.StatusOK, http.StatusCreated, http.StatusNoContent, rec.Body.String())
	}
	if result != nil && rec.Body.Len() > 0 {
		err = json.Unmarshal(rec.Body.Bytes(), result)
	}
	return status, err
}

// Patch patches a resource at path. Expects http.StatusOK or http.StatusNoContent
// as valid responses, otherwise it will flag an error. Returns the actual
// http status code.
func (c Client) Patch(path string, body interface{}, result interface{}) (int, error) {
	j, err := json.Marshal(body)
	if err != nil {
		return http.StatusBadRequest, err
	}
	rec := c.do(http.MethodPatch, path, j)
	status := rec.Code
	if status != http.StatusOK && status != http.StatusNoContent {
		return status, fmt.Errorf("handler returned wrong status code: got %v want %v or %v. Error: %s",
			status, http.StatusOK, http.StatusNoContent, rec.Body.String())
	}
	if result != nil && rec.Body.Len() > 0 {
		err = json.Unmarshal(rec.Body.Bytes(), result)
	}
	return status, err
}

// Delete deletes the resource at path. Accepts an optional body for batch
// deletes. Expects http.StatusNoContent as response, otherwise it will flag
// an error. Returns the actual http status code.
func (c Client) Delete(path string, body ...interface{}) (int, error) {
	var j []byte
	if len(body) > 0 {
		var err error
		j, err = json.Marshal(body[0])
		if err != nil {
			return http.StatusBadRequest, err
		}
	}
	rec := c.do(http.MethodDelete, path, j)
	status := rec.Code
	if status != http.StatusNoContent {
		return status, fmt.Errorf("handler returned wrong status code: got %v want %v. Error: %s",
			status, http.StatusNoContent, rec.Body.String())
	}
	return status, nil
}
