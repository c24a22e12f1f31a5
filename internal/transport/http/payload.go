package httptransport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"formrelay/backend/internal/domain"
)

var errPayloadNotObject = errors.New("json payload must be an object")

// parsePayload 按提交顺序读取请求体中的字段。
// 支持 application/json、multipart/form-data，其余按 urlencoded 处理。
// multipart 中的文件部分被忽略。
func parsePayload(r *http.Request) (domain.Payload, error) {
	mediaType, params, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		return parseJSON(r.Body)
	case "multipart/form-data":
		return parseMultipart(r.Body, params["boundary"])
	default:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		return parseURLEncoded(string(body))
	}
}

func parseURLEncoded(body string) (domain.Payload, error) {
	var p domain.Payload
	for _, pair := range strings.Split(body, "&") {
		if pair == "" {
			continue
		}
		rawKey, rawValue, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(rawKey)
		if err != nil {
			return nil, fmt.Errorf("decode field name: %w", err)
		}
		value, err := url.QueryUnescape(rawValue)
		if err != nil {
			return nil, fmt.Errorf("decode field %q: %w", key, err)
		}
		if key == "" {
			continue
		}
		p = p.Set(key, value)
	}
	return p, nil
}

func parseJSON(r io.Reader) (domain.Payload, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, errPayloadNotObject
	}

	var p domain.Payload
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, errPayloadNotObject
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode field %q: %w", key, err)
		}
		p = p.Set(key, jsonValue(raw))
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return p, nil
}

// jsonValue 把 JSON 值转成展示用的字符串：字符串去引号，字符串数组用 ", " 连接，其余保持紧凑 JSON
func jsonValue(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return strings.Join(list, ", ")
	}
	if bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func parseMultipart(r io.Reader, boundary string) (domain.Payload, error) {
	if boundary == "" {
		return nil, errors.New("multipart boundary missing")
	}
	mr := multipart.NewReader(r, boundary)
	var p domain.Payload
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return p, nil
		}
		if err != nil {
			return nil, err
		}
		name := part.FormName()
		if name == "" || part.FileName() != "" {
			_ = part.Close()
			continue
		}
		value, err := io.ReadAll(part)
		_ = part.Close()
		if err != nil {
			return nil, err
		}
		p = p.Set(name, string(value))
	}
}
