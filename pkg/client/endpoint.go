package client

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Endpoint is a configurable upstream call. URL and Body may contain
// {placeholders}; values substituted into the URL are query-escaped.
type Endpoint struct {
	Method   string            `yaml:"method"`
	URL      string            `yaml:"url"`
	Body     string            `yaml:"body"`
	DocID    string            `yaml:"doc_id"`
	PageSize int               `yaml:"page_size"`
	Headers  map[string]string `yaml:"headers"`
	Timeout  time.Duration     `yaml:"timeout"`
}

// Enabled reports whether the endpoint has a URL.
func (e Endpoint) Enabled() bool {
	return e.URL != ""
}

// Request renders the endpoint into a Request. The doc_id and page_size
// placeholders are filled from the endpoint itself unless vars override them.
func (e Endpoint) Request(vars map[string]string) Request {
	all := map[string]string{
		"doc_id":    e.DocID,
		"page_size": "",
	}
	if e.PageSize > 0 {
		all["page_size"] = strconv.Itoa(e.PageSize)
	}
	for k, v := range vars {
		all[k] = v
	}

	header := http.Header{}
	for name, value := range e.Headers {
		header.Set(name, value)
	}

	method := e.Method
	if method == "" {
		method = http.MethodGet
	}

	req := Request{
		Method:  method,
		URL:     render(e.URL, all, url.QueryEscape),
		Header:  header,
		Timeout: e.Timeout,
	}
	if e.Body != "" {
		req.Body = []byte(render(e.Body, all, func(s string) string { return s }))
	}
	return req
}

func render(tmpl string, vars map[string]string, escape func(string) string) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", escape(v))
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
