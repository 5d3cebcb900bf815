package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const defaultFrappeTimeout = 30 * time.Second

// FrappeStoreConfig configures a store backed by a Frappe site.
type FrappeStoreConfig struct {
	// URL is the site root, e.g. https://erp.example.com.
	URL       string
	APIKey    string
	APISecret string
	Timeout   time.Duration
	Client    *http.Client
}

// FrappeStore forwards document operations to a Frappe site's REST API.
// Calls run as the API key's user; the site enforces permissions and validation.
type FrappeStore struct {
	base   *url.URL
	auth   string
	client *http.Client
}

// NewFrappeStore creates a REST-backed store.
func NewFrappeStore(cfg FrappeStoreConfig) (*FrappeStore, error) {
	raw := strings.TrimSpace(cfg.URL)
	if raw == "" {
		return nil, errors.New("docstore: frappe url is required")
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("docstore: invalid frappe url %q", raw)
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultFrappeTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	store := &FrappeStore{base: base, client: client}
	if cfg.APIKey != "" || cfg.APISecret != "" {
		store.auth = "token " + cfg.APIKey + ":" + cfg.APISecret
	}
	return store, nil
}

// layoutFieldTypes carry no data and are skipped when reading DocType metadata.
var layoutFieldTypes = []string{
	"Section Break", "Column Break", "Tab Break", "HTML", "Heading", "Button", "Fold", "Table", "Table MultiSelect",
}

func (s *FrappeStore) Meta(ctx context.Context, doctype string) (DocType, error) {
	body, err := s.do(ctx, http.MethodGet, resourcePath("DocType", doctype), nil, nil, doctype, "")
	if err != nil {
		var notFound *NotFoundError
		if errors.As(err, &notFound) {
			return DocType{}, &NotFoundError{DocType: doctype}
		}
		return DocType{}, err
	}

	data := gjson.GetBytes(body, "data")
	meta := DocType{
		Name:   data.Get("name").String(),
		Module: data.Get("module").String(),
		Naming: data.Get("autoname").String(),
	}
	data.Get("fields").ForEach(func(_, f gjson.Result) bool {
		fieldType := f.Get("fieldtype").String()
		if slices.Contains(layoutFieldTypes, fieldType) {
			return true
		}
		meta.Fields = append(meta.Fields, Field{
			Name:       f.Get("fieldname").String(),
			Label:      f.Get("label").String(),
			Type:       FieldType(fieldType),
			Options:    f.Get("options").String(),
			Required:   f.Get("reqd").Bool(),
			Default:    f.Get("default").String(),
			InListView: f.Get("in_list_view").Bool(),
		})
		return true
	})
	data.Get("permissions").ForEach(func(_, p gjson.Result) bool {
		meta.Permissions = append(meta.Permissions, Permission{
			Role:    p.Get("role").String(),
			Read:    p.Get("read").Bool(),
			Write:   p.Get("write").Bool(),
			Create:  p.Get("create").Bool(),
			Delete:  p.Get("delete").Bool(),
			IfOwner: p.Get("if_owner").Bool(),
		})
		return true
	})
	if meta.Name == "" {
		meta.Name = doctype
	}
	return meta, nil
}

func (s *FrappeStore) GetAll(ctx context.Context, q ListQuery) ([]Document, error) {
	fields := q.Fields
	if len(fields) == 0 {
		fields = []string{"*"}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("docstore: encode fields: %w", err)
	}
	filters := make([][]any, 0, len(q.Filters))
	for _, f := range q.Filters {
		filters = append(filters, []any{q.DocType, f.Field, string(f.Op), f.Value})
	}
	filtersJSON, err := json.Marshal(filters)
	if err != nil {
		return nil, fmt.Errorf("docstore: encode filters: %w", err)
	}
	orderBy := strings.TrimSpace(q.OrderBy)
	if orderBy == "" {
		orderBy = DefaultOrderBy
	}

	params := url.Values{}
	params.Set("fields", string(fieldsJSON))
	params.Set("filters", string(filtersJSON))
	params.Set("order_by", orderBy)
	// Frappe treats 0 as "no limit".
	params.Set("limit_page_length", strconv.Itoa(max(q.Limit, 0)))

	body, err := s.do(ctx, http.MethodGet, resourcePath(q.DocType), params, nil, q.DocType, "")
	if err != nil {
		return nil, err
	}
	var docs []Document
	if err := decodeData(body, &docs); err != nil {
		return nil, fmt.Errorf("docstore: decode %s list: %w", q.DocType, err)
	}
	return docs, nil
}

func (s *FrappeStore) GetDoc(ctx context.Context, doctype, name string) (Document, error) {
	if err := requireName(doctype, name); err != nil {
		return nil, err
	}
	body, err := s.do(ctx, http.MethodGet, resourcePath(doctype, name), nil, nil, doctype, name)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := decodeData(body, &doc); err != nil {
		return nil, fmt.Errorf("docstore: decode %s %s: %w", doctype, name, err)
	}
	return doc, nil
}

func (s *FrappeStore) Insert(ctx context.Context, doctype string, fields map[string]any) (Document, error) {
	payload, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("docstore: encode %s: %w", doctype, err)
	}
	body, err := s.do(ctx, http.MethodPost, resourcePath(doctype), nil, payload, doctype, "")
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := decodeData(body, &doc); err != nil {
		return nil, fmt.Errorf("docstore: decode created %s: %w", doctype, err)
	}
	return doc, nil
}

func (s *FrappeStore) HasPermission(ctx context.Context, doctype, name string, perm PermType) (bool, error) {
	params := url.Values{}
	params.Set("doctype", doctype)
	params.Set("docname", name)
	params.Set("perm_type", string(perm))
	body, err := s.do(ctx, http.MethodGet, "/api/method/frappe.client.has_permission", params, nil, doctype, name)
	if err != nil {
		var permErr *PermissionError
		if errors.As(err, &permErr) {
			return false, nil
		}
		return false, err
	}
	return gjson.GetBytes(body, "message.has_permission").Bool(), nil
}

// Close releases idle connections.
func (s *FrappeStore) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *FrappeStore) do(ctx context.Context, method, path string, params url.Values, payload []byte, doctype, name string) ([]byte, error) {
	target := *s.base
	unescaped, err := url.PathUnescape(path)
	if err != nil {
		return nil, fmt.Errorf("docstore: invalid frappe path %q: %w", path, err)
	}
	prefix := strings.TrimRight(target.EscapedPath(), "/")
	target.Path = strings.TrimRight(target.Path, "/") + unescaped
	target.RawPath = prefix + path
	if len(params) > 0 {
		target.RawQuery = params.Encode()
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("docstore: build frappe request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.auth != "" {
		req.Header.Set("Authorization", s.auth)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("docstore: frappe request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("docstore: read frappe response: %w", err)
	}
	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return body, nil
	}
	return nil, frappeError(resp.StatusCode, body, doctype, name)
}

// frappeError maps a failed Frappe response onto the docstore error types.
func frappeError(status int, body []byte, doctype, name string) error {
	excType := gjson.GetBytes(body, "exc_type").String()
	message := frappeMessage(body)

	switch {
	case status == http.StatusNotFound || excType == "DoesNotExistError":
		return &NotFoundError{DocType: doctype, Name: name}
	case status == http.StatusForbidden || excType == "PermissionError":
		return &PermissionError{DocType: doctype, Name: name}
	case status == http.StatusConflict || excType == "DuplicateEntryError":
		return &DuplicateError{DocType: doctype, Name: name}
	case excType == "ValidationError" || excType == "MandatoryError" || status == http.StatusExpectationFailed:
		if message == "" {
			message = "validation failed"
		}
		return &ValidationError{DocType: doctype, Message: message}
	}

	if message == "" {
		message = http.StatusText(status)
	}
	if excType != "" {
		return fmt.Errorf("frappe: %s: %s", excType, message)
	}
	return fmt.Errorf("frappe: status %d: %s", status, message)
}

// frappeMessage extracts a human readable message from an error response.
// _server_messages is a JSON-encoded list of JSON-encoded {"message": ...} objects.
func frappeMessage(body []byte) string {
	var messages []string
	serverMessages := gjson.GetBytes(body, "_server_messages")
	if serverMessages.Exists() {
		gjson.Parse(serverMessages.String()).ForEach(func(_, item gjson.Result) bool {
			msg := gjson.Parse(item.String()).Get("message").String()
			if msg == "" {
				msg = item.String()
			}
			if clean := strings.TrimSpace(stripTags(msg)); clean != "" {
				messages = append(messages, clean)
			}
			return true
		})
	}
	if len(messages) > 0 {
		return strings.Join(messages, "; ")
	}
	if exception := gjson.GetBytes(body, "exception").String(); exception != "" {
		return strings.TrimSpace(exception)
	}
	return strings.TrimSpace(gjson.GetBytes(body, "message").String())
}

func stripTags(s string) string {
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>' && inTag:
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func decodeData(body []byte, out any) error {
	data := gjson.GetBytes(body, "data")
	if !data.Exists() {
		return errors.New("response has no data")
	}
	return json.Unmarshal([]byte(data.Raw), out)
}

func resourcePath(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, part := range parts {
		escaped[i] = url.PathEscape(part)
	}
	return "/api/resource/" + strings.Join(escaped, "/")
}

// Compile-time interface check.
var _ Store = (*FrappeStore)(nil)
