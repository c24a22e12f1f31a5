package httptransport

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formrelay/backend/internal/domain"
)

func TestParsePayload(t *testing.T) {
	t.Run("urlencoded 保持顺序并合并同名字段", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("zeta=1&alpha=a+b&zeta=2&=skip&flag"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		p, err := parsePayload(req)
		require.NoError(t, err)
		assert.Equal(t, domain.Payload{
			{Name: "zeta", Value: "1, 2"},
			{Name: "alpha", Value: "a b"},
			{Name: "flag", Value: ""},
		}, p)
	})

	t.Run("JSON 对象", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"b":"x","a":["1","2"],"n":3.5,"z":null,"o":{"k": true}}`))
		req.Header.Set("Content-Type", "application/json; charset=utf-8")

		p, err := parsePayload(req)
		require.NoError(t, err)
		assert.Equal(t, domain.Payload{
			{Name: "b", Value: "x"},
			{Name: "a", Value: "1, 2"},
			{Name: "n", Value: "3.5"},
			{Name: "z", Value: ""},
			{Name: "o", Value: `{"k":true}`},
		}, p)
	})

	t.Run("空蜜罐字段不视为已填写", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("name=real+person&_gotcha=&_gotcha="))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		p, err := parsePayload(req)
		require.NoError(t, err)
		assert.False(t, p.HoneypotFilled())

		req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"real person","_gotcha":false}`))
		req.Header.Set("Content-Type", "application/json")
		p, err = parsePayload(req)
		require.NoError(t, err)
		assert.False(t, p.HoneypotFilled())

		req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"bot","_gotcha":"http://spam.example"}`))
		req.Header.Set("Content-Type", "application/json")
		p, err = parsePayload(req)
		require.NoError(t, err)
		assert.True(t, p.HoneypotFilled())
	})

	t.Run("JSON 非对象", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`["a"]`))
		req.Header.Set("Content-Type", "application/json")
		_, err := parsePayload(req)
		assert.Error(t, err)
	})

	t.Run("multipart 忽略文件", func(t *testing.T) {
		var body bytes.Buffer
		w := multipart.NewWriter(&body)
		require.NoError(t, w.WriteField("message", "hello"))
		fw, err := w.CreateFormFile("upload", "a.txt")
		require.NoError(t, err)
		_, err = fw.Write([]byte("file body"))
		require.NoError(t, err)
		require.NoError(t, w.WriteField("name", "Ann"))
		require.NoError(t, w.Close())

		req := httptest.NewRequest(http.MethodPost, "/", &body)
		req.Header.Set("Content-Type", w.FormDataContentType())

		p, err := parsePayload(req)
		require.NoError(t, err)
		assert.Equal(t, domain.Payload{
			{Name: "message", Value: "hello"},
			{Name: "name", Value: "Ann"},
		}, p)
	})
}

func TestWantsJSON(t *testing.T) {
	cases := []struct {
		name    string
		headers map[string]string
		want    bool
	}{
		{"浏览器表单", map[string]string{"Accept": "text/html,application/xhtml+xml"}, false},
		{"Accept JSON", map[string]string{"Accept": "application/json"}, true},
		{"XHR", map[string]string{"X-Requested-With": "XMLHttpRequest"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tc.want, wantsJSON(req))
		})
	}
}
