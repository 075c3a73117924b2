// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package client provides easy and fast in-process access to a REST api

Instead of marshalling HTTP, the client talks directly to the mux router. The client
is the tool of choice if one request handler needs to call other handlers to fulfill
its task. It is also perfectly suited for unit tests.
*/
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/relabs-tech/modelapi/core"
	"github.com/relabs-tech/modelapi/core/access"
)

// Client provides easy access to the REST API.
type Client struct {
	router      *mux.Router
	httpClient  *http.Client
	url         string
	prefix      string
	token       string
	credentials access.Credentials
	ctx         context.Context

	defaultHeaders map[string]string
}

// NewWithRouter creates a client to make pseudo-REST requests to the
// API, through the mux router
//
// WithCredentials() adds credentials to the request context.
// WithContext() specifies a different base context all together.
func NewWithRouter(router *mux.Router) Client {
	return Client{
		router:         router,
		defaultHeaders: map[string]string{},
	}
}

// NewWithURL creates a client to make REST requests to the API
//
// WithToken adds an authorization token to the request header.
func NewWithURL(url string) Client {
	return Client{
		url:            url,
		httpClient:     &http.Client{Timeout: 20 * time.Second},
		defaultHeaders: map[string]string{},
	}
}

// WithPrefix returns a new client with a path prefix for all
// collection routes, e.g. "/api"
func (c Client) WithPrefix(prefix string) Client {
	c.prefix = prefix
	return c
}

// WithHeader returns a new client with a default header added
func (c Client) WithHeader(key string, value string) Client {
	headers := map[string]string{key: value}
	for k, v := range c.defaultHeaders {
		headers[k] = v
	}
	c.defaultHeaders = headers
	return c
}

// WithToken returns a new client with a bearer token
func (c Client) WithToken(token string) Client {
	c.token = token
	return c
}

// WithCredentials returns a new client with request credentials on the
// request context (this works only directly against the mux router,
// for a normal client use WithToken() or WithHeader())
func (c Client) WithCredentials(credentials access.Credentials) Client {
	c.credentials = credentials
	return c
}

// WithContext returns a new client with specific request context
func (c Client) WithContext(ctx context.Context) Client {
	c.ctx = ctx
	return c
}

// Context returns the request context used by this client
func (c Client) Context() context.Context {
	ctx := c.ctx
	if c.ctx == nil {
		ctx = context.Background()
	}
	if c.credentials != nil {
		ctx = access.ContextWithCredentials(ctx, c.credentials)
	}
	return ctx
}

// Collection represents a collection of a particular resource
type Collection struct {
	client     *Client
	resource   string
	path       string
	parameters []string
}

// Collection returns a new collection client for the singular resource
// name, at the route derived from its plural
func (c Client) Collection(resource string) Collection {
	return Collection{
		client:   &c,
		resource: resource,
		path:     c.prefix + "/" + core.Plural(resource),
	}
}

// CollectionAt returns a new collection client at an explicit route,
// for resources registered under a non-default path
func (c Client) CollectionAt(resource string, path string) Collection {
	return Collection{
		client:   &c,
		resource: resource,
		path:     c.prefix + path,
	}
}

// WithParameter returns a new collection client with a URL parameter added.
func (r Collection) WithParameter(key string, value string) Collection {
	parameter := url.QueryEscape(key) + "=" + url.QueryEscape(value)
	return Collection{
		client:   r.client,
		resource: r.resource,
		path:     r.path,
		// we want a true copy to avoid side effects
		parameters: append(append([]string{}, r.parameters...), parameter),
	}
}

// CollectionPath returns the created path for the collection plus optional query strings
func (r Collection) CollectionPath() string {
	if len(r.parameters) > 0 {
		return r.path + "?" + strings.Join(r.parameters, "&")
	}
	return r.path
}

// Create always creates a new item.
//
// The operation corresponds to a POST request.
//
// Expects http.StatusCreated as response, otherwise it will
// flag an error. Returns the actual http status code.
//
// body can also be a []byte, result can also be raw *[]byte.
// result can be nil.
func (r Collection) Create(body interface{}, result interface{}) (int, error) {
	return r.client.RawPost(r.CollectionPath(), body, result)
}

// List gets the entire collection up until the specified limit.
//
// If you potentially need multiple pages, use FirstPage() instead.
//
// The operation corresponds to a GET request.
//
// Expects http.StatusOK as response, otherwise it will
// flag an error. Returns the actual http status code.
//
// result can be a slice of map[string]interface{} or a raw *[]byte.
func (r Collection) List(result interface{}) (int, error) {
	return r.client.RawGet(r.CollectionPath(), result)
}

// Item represents a single item in a collection
type Item struct {
	col        Collection
	id         uuid.UUID
	parameters []string
}

// Item gets an item from a collection
func (r Collection) Item(id uuid.UUID) Item {
	return Item{col: r, id: id}
}

// WithParameter returns a new item client with a URL parameter added.
func (r Item) WithParameter(key string, value string) Item {
	parameter := url.QueryEscape(key) + "=" + url.QueryEscape(value)
	return Item{
		id:  r.id,
		col: r.col,
		// we want a true copy to avoid side effects
		parameters: append(append([]string{}, r.parameters...), parameter),
	}
}

// Path returns the created path for this item
func (r Item) Path() string {
	path := r.col.path + "/" + r.id.String()
	if len(r.parameters) > 0 {
		path += "?" + strings.Join(r.parameters, "&")
	}
	return path
}

// Read reads an item from a collection
//
// The operation corresponds to a GET request.
//
// Expects http.StatusOK as response, otherwise it will
// flag an error. Returns the actual http status code.
//
// result can also be map[string]interface{} or a raw *[]byte.
func (r Item) Read(result interface{}) (int, error) {
	return r.col.client.RawGet(r.Path(), result)
}

// Update updates an item with schema validation
//
// The operation corresponds to a PUT request.
//
// Expects http.StatusOK or http.StatusNoContent as valid responses,
// otherwise it will flag an error. Returns the actual http status code.
//
// body can also be a []byte, result can also be raw *[]byte.
// result can be nil.
func (r Item) Update(body interface{}, result interface{}) (int, error) {
	return r.col.client.RawPut(r.Path(), body, result)
}

// Patch updates selected fields of an item
//
// Expects http.StatusOK or http.StatusNoContent as valid responses,
// otherwise it will flag an error. Returns the actual http status code.
//
// body can also be a []byte, result can also be raw *[]byte.
// result can be nil.
func (r Item) Patch(body interface{}, result interface{}) (int, error) {
	return r.col.client.RawPatch(r.Path(), body, result)
}

// Delete deletes an item from a collection
//
// The operation corresponds to a DELETE request.
//
// Expects http.StatusNoContent as response, otherwise it will
// flag an error.
//
// Returns the actual http status code.
func (r Item) Delete() (int, error) {
	return r.col.client.RawDelete(r.Path())
}

// Page is a requester for one page in a collection
type Page struct {
	r          Collection
	page       int
	pageCount  int
	totalCount int
}

// FirstPage returns a requester for the first page of a collection
//
// Do not specify the page parameter when using the page requester, as
// it manages page itself. You can set all others parameters, including
// limit.
func (r Collection) FirstPage() Page {
	return Page{page: 1, r: r}
}

// HasData returns true if the page has data (by definition true for the first page)
func (p Page) HasData() bool {
	return p.page == 1 || p.page <= p.pageCount
}

// TotalCount returns the total number of elements (only available after you have called Get on the page)
func (p Page) TotalCount() int {
	return p.totalCount
}

// Get gets one page of the collection
func (p *Page) Get(result interface{}) (int, error) {
	path := p.r.WithParameter("page", strconv.Itoa(p.page)).CollectionPath()
	status, header, err := p.r.client.RawGetWithHeader(path, map[string]string{}, result)
	if err != nil {
		return status, err
	}
	pageCount, err := strconv.Atoi(header.Get("Pagination-Page-Count"))
	if err == nil {
		p.pageCount = pageCount
	}
	totalCount, err := strconv.Atoi(header.Get("Pagination-Total-Count"))
	if err == nil {
		p.totalCount = totalCount
	}
	return status, nil
}

// Next returns the next page
func (p Page) Next() Page {
	return Page{
		r:         p.r,
		page:      p.page + 1,
		pageCount: p.pageCount,
	}
}

func (c Client) do(r *http.Request) (*http.Response, []byte, error) {
	for key, value := range c.defaultHeaders {
		r.Header.Add(key, value)
	}
	if c.router != nil {
		rec := httptest.NewRecorder()
		c.router.ServeHTTP(rec, r)
		return rec.Result(), rec.Body.Bytes(), nil
	}
	if c.token != "" {
		r.Header.Add("Authorization", "Bearer "+c.token)
	}
	res, err := c.httpClient.Do(r)
	if err != nil {
		return nil, nil, err
	}
	defer res.Body.Close()
	resBody, _ := io.ReadAll(res.Body)
	return res, resBody, nil
}

func unmarshalResult(resBody []byte, result interface{}) error {
	if len(resBody) == 0 || result == nil {
		return nil
	}
	if raw, ok := result.(*[]byte); ok {
		*raw = resBody
		return nil
	}
	return json.Unmarshal(resBody, result)
}

// RawGet gets the resource from path. Expects http.StatusOK as response, otherwise it will
// flag an error. Returns the actual http status code.
//
// The path can be extend with query strings.
//
// result can be map[string]interface{} or a raw *[]byte.
// result can be nil.
func (c Client) RawGet(path string, result interface{}) (int, error) {
	status, _, err := c.RawGetWithHeader(path, nil, result)
	return status, err
}

// RawGetWithHeader gets the resource from path. Expects http.StatusOK as response, otherwise it will
// flag an error. Returns the actual http status code and the header.
//
// The path can be extend with query strings.
//
// result can be map[string]interface{} or a raw *[]byte.
// result can be nil.
func (c Client) RawGetWithHeader(path string, header map[string]string, result interface{}) (int, http.Header, error) {
	r, _ := http.NewRequestWithContext(c.Context(), http.MethodGet, c.url+path, nil)
	for key, value := range header {
		r.Header.Add(key, value)
	}
	res, resBody, err := c.do(r)
	if err != nil {
		return http.StatusInternalServerError, nil, err
	}
	status := res.StatusCode
	if status == http.StatusNoContent || status == http.StatusNotModified {
		return status, res.Header, nil
	}
	if status != http.StatusOK {
		return status, res.Header, fmt.Errorf("handler returned wrong status code: got %v want %v. Error: %s",
			status, http.StatusOK, strings.TrimSpace(string(resBody)))
	}
	return status, res.Header, unmarshalResult(resBody, result)
}

// RawPost posts a resource to path. Expects http.StatusCreated as response, otherwise it will
// flag an error. Returns the actual http status code.
//
// The path can be extend with query strings.
//
// body can also be a []byte, result can also be raw *[]byte.
// result can be nil.
func (c Client) RawPost(path string, body interface{}, result interface{}) (int, error) {
	var err error
	j, ok := body.([]byte)
	if !ok {
		j, err = json.Marshal(body)
		if err != nil {
			return http.StatusBadRequest, fmt.Errorf("POST to %s: %w", path, err)
		}
	}
	r, _ := http.NewRequestWithContext(c.Context(), http.MethodPost, c.url+path, bytes.NewBuffer(j))
	res, resBody, err := c.do(r)
	if err != nil {
		return http.StatusInternalServerError, err
	}
	status := res.StatusCode
	if status != http.StatusCreated && status != http.StatusOK {
		return status, fmt.Errorf("handler returned wrong status code: got %v want %v. Error: %s",
			status, http.StatusCreated, strings.TrimSpace(string(resBody)))
	}
	return status, unmarshalResult(resBody, result)
}

// RawPut puts a resource to path. Expects http.StatusOK or http.StatusNoContent as valid responses,
// otherwise it will flag an error. Returns the actual http status code.
//
// The path can be extend with query strings.
//
// body can also be a []byte, result can also be raw *[]byte.
// result can be nil.
func (c Client) RawPut(path string, body interface{}, result interface{}) (int, error) {
	var err error
	j, ok := body.([]byte)
	if !ok {
		j, err = json.Marshal(body)
		if err != nil {
			return http.StatusBadRequest, fmt.Errorf("PUT to %s: %w", path, err)
		}
	}
	r, _ := http.NewRequestWithContext(c.Context(), http.MethodPut, c.url+path, bytes.NewBuffer(j))
	res, resBody, err := c.do(r)
	if err != nil {
		return http.StatusInternalServerError, err
	}
	status := res.StatusCode
	if status != http.StatusOK && status != http.StatusNoContent {
		return status, fmt.Errorf("put got status=%d body=%s", status, strings.TrimSpace(string(resBody)))
	}
	return status, unmarshalResult(resBody, result)
}

// RawPatch puts a patch to path. Expects http.StatusOK or http.StatusNoContent as valid responses,
// otherwise it will flag an error. Returns the actual http status code.
//
// The path can be extend with query strings.
//
// body can also be a []byte, result can also be raw *[]byte.
// result can be nil.
func (c Client) RawPatch(path string, body interface{}, result interface{}) (int, error) {
	var err error
	j, ok := body.([]byte)
	if !ok {
		j, err = json.Marshal(body)
		if err != nil {
			return http.StatusBadRequest, err
		}
	}
	r, _ := http.NewRequestWithContext(c.Context(), http.MethodPatch, c.url+path, bytes.NewBuffer(j))
	res, resBody, err := c.do(r)
	if err != nil {
		return http.StatusInternalServerError, err
	}
	status := res.StatusCode
	if status != http.StatusOK && status != http.StatusNoContent {
		return status, errors.New(strings.TrimSpace(string(resBody)))
	}
	return status, unmarshalResult(resBody, result)
}

// RawDelete deletes the resource at path. Expects http.StatusNoContent as response, otherwise it will
// flag an error.
//
// The path can be extend with query strings.
//
// Returns the actual http status code.
func (c Client) RawDelete(path string) (int, error) {
	r, _ := http.NewRequestWithContext(c.Context(), http.MethodDelete, c.url+path, nil)
	res, resBody, err := c.do(r)
	if err != nil {
		return http.StatusInternalServerError, err
	}
	status := res.StatusCode
	if status != http.StatusNoContent {
		return status, errors.New(strings.TrimSpace(string(resBody)))
	}
	return status, nil
}
