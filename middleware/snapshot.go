package middleware

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"

	"github.com/berserk3142-max/trust-guard/models"
	"github.com/valyala/fastjson"
)

// Snapshot copies the parts of r the threat analyzer inspects. At most
// maxBody bytes of the body are parsed; the body is restored for the next
// handler.
func Snapshot(r *http.Request, maxBody int64) (*models.RequestSnapshot, error) {
	snap := &models.RequestSnapshot{
		Method:     r.Method,
		URL:        r.URL.String(),
		Path:       r.URL.Path,
		Query:      r.URL.Query(),
		Headers:    r.Header.Clone(),
		ClientIP:   ClientIP(r),
		UserID:     GetUserID(r.Context()),
		TrustLevel: GetTrustLevel(r.Context()),
	}

	if r.Body == nil || r.Body == http.NoBody || maxBody <= 0 {
		return snap, nil
	}

	head, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(head), r.Body), r.Body}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded":
		if values, err := url.ParseQuery(string(head)); err == nil {
			snap.Body = values
		}
	case "application/json":
		var p fastjson.Parser
		if doc, err := p.ParseBytes(head); err == nil {
			snap.Body = map[string][]string{}
			flatten("", doc, snap.Body)
		}
	case "text/plain":
		snap.Body = map[string][]string{"text": {string(head)}}
	}
	return snap, nil
}

// flatten turns a JSON document into dotted field paths, in document order.
func flatten(prefix string, v *fastjson.Value, out map[string][]string) {
	join := func(k string) string {
		if prefix == "" {
			return k
		}
		return prefix + "." + k
	}

	switch v.Type() {
	case fastjson.TypeObject:
		obj, _ := v.Object()
		obj.Visit(func(k []byte, item *fastjson.Value) {
			flatten(join(string(k)), item, out)
		})
	case fastjson.TypeArray:
		items, _ := v.Array()
		for i, item := range items {
			flatten(join(strconv.Itoa(i)), item, out)
		}
	case fastjson.TypeString:
		b, _ := v.StringBytes()
		out[prefix] = append(out[prefix], string(b))
	case fastjson.TypeNull:
	default:
		out[prefix] = append(out[prefix], v.String())
	}
}
