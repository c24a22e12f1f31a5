package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeEmail(t *testing.T) {
	tests := []struct {
		name     string
		email    string
		expected string
		ok       bool
	}{
		{"Valid email", "test@example.com", "test@example.com", true},
		{"Upper case is lowered", "Alice@Example.COM", "alice@example.com", true},
		{"Surrounding spaces trimmed", "  bob@example.com ", "bob@example.com", true},
		{"Valid email with plus", "user+tag@example.com", "user+tag@example.com", true},
		{"Short local part", "a@b.io", "a@b.io", true},
		{"Subdomain", "user@mail.example.com", "user@mail.example.com", true},
		{"No @", "testexample.com", "", false},
		{"No domain", "test@", "", false},
		{"No local part", "@example.com", "", false},
		{"Multiple @", "test@@example.com", "", false},
		{"Empty", "", "", false},
		{"Spaces inside", "The best offers.", "", false},
		{"Display name", "Bob <bob@example.com>", "", false},
		{"Dotless domain", "root@localhost", "", false},
		{"Consecutive dots", "a..b@example.com", "", false},
		{"Too long", strings.Repeat("a", 250) + "@example.com", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeEmail(tt.email)
			if !tt.ok {
				assert.Error(t, err)
				assert.False(t, IsValidEmail(tt.email))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestReferrerToPath(t *testing.T) {
	tests := []struct {
		name     string
		referrer string
		expected string
	}{
		{"Bare host", "example.com", "example.com"},
		{"Scheme and path", "http://example.com/contact", "example.com/contact"},
		{"Trailing slash kept", "https://carlitos.net/", "carlitos.net/"},
		{"Query and fragment dropped", "https://example.com/a?x=1#top", "example.com/a"},
		{"Port kept", "http://localhost:8000/form", "localhost:8000/form"},
		{"Host lower-cased", "https://Example.COM/Page", "example.com/Page"},
		{"Empty", "", ""},
		{"Unparseable", "http://[::1", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ReferrerToPath(tt.referrer))
		})
	}
}

func TestSiteRoot(t *testing.T) {
	root, err := SiteRoot("www.example.com/some/page")
	require.NoError(t, err)
	assert.Equal(t, "example.com", root)

	root, err = SiteRoot("https://blog.example.com:8443/")
	require.NoError(t, err)
	assert.Equal(t, "blog.example.com:8443", root)

	_, err = SiteRoot("")
	assert.Error(t, err)
}

func TestPayload(t *testing.T) {
	t.Run("重复字段合并且保持顺序", func(t *testing.T) {
		var p Payload
		p = p.Set("name", "ana")
		p = p.Set("tags", "a")
		p = p.Set("tags", "b")

		assert.Equal(t, Payload{{"name", "ana"}, {"tags", "a, b"}}, p)
	})

	t.Run("只有保留字段视为空", func(t *testing.T) {
		p := Payload{{FieldNext, "/thanks"}, {FieldSubject, "hi"}}
		assert.True(t, p.IsEmpty())
		assert.Empty(t, p.Visible())

		p = append(p, Field{FieldEmail, "a@b.com"})
		assert.False(t, p.IsEmpty())
		assert.Equal(t, Payload{{FieldEmail, "a@b.com"}}, p.Visible())
	})

	t.Run("蜜罐字段", func(t *testing.T) {
		assert.False(t, Payload{{FieldHoneypot, ""}}.HoneypotFilled())
		assert.True(t, Payload{{FieldHoneypot, "spam"}}.HoneypotFilled())
		assert.False(t, Payload{{FieldHoneypot, " , "}}.HoneypotFilled())
		assert.False(t, Payload{{FieldHoneypot, "false"}}.HoneypotFilled())
		assert.False(t, Payload{{FieldHoneypot, "0"}}.HoneypotFilled())
		assert.True(t, Payload{{FieldHoneypot, "0, spam"}}.HoneypotFilled())
	})

	t.Run("同名字段合并时跳过空值", func(t *testing.T) {
		p := Payload{}.Set(FieldHoneypot, "").Set(FieldHoneypot, "")
		assert.Equal(t, Payload{{FieldHoneypot, ""}}, p)
		assert.False(t, p.HoneypotFilled())

		p = Payload{}.Set("tags", "").Set("tags", "a").Set("tags", " ").Set("tags", "b")
		assert.Equal(t, Payload{{"tags", "a, b"}}, p)
	})
}

func TestPayloadReplyTo(t *testing.T) {
	tests := []struct {
		name      string
		payload   Payload
		expected  string
		offending string
	}{
		{"No candidates", Payload{{"name", "x"}}, "", ""},
		{"From _replyto", Payload{{FieldReplyTo, "Ana@Example.com"}}, "ana@example.com", ""},
		{"From email", Payload{{FieldEmail, "bob@example.com"}}, "bob@example.com", ""},
		{"Agreeing candidates", Payload{{FieldReplyTo, "bob@example.com"}, {FieldEmail, "BOB@example.com"}}, "bob@example.com", ""},
		{"Invalid _replyto", Payload{{FieldReplyTo, "not-an-email"}}, "", "not-an-email"},
		{"Invalid email", Payload{{FieldEmail, "The best offers."}}, "", "The best offers."},
		{"Disagreeing candidates", Payload{{FieldReplyTo, "a@example.com"}, {FieldEmail, "b@example.com"}}, "", "b@example.com"},
		{"Repeated field joined", Payload{}.Set(FieldEmail, "a@example.com").Set(FieldEmail, "b@example.com"), "", "a@example.com, b@example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.payload.ReplyTo()
			if tt.offending != "" {
				var rte *ReplyToError
				require.ErrorAs(t, err, &rte)
				assert.Equal(t, tt.offending, rte.Address)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestErrorClassification(t *testing.T) {
	assert.ErrorIs(t, ErrFormDisabled, ErrForbidden)
	assert.ErrorIs(t, &HostMismatchError{Submitted: "a.com", Confirmed: "b.com"}, ErrForbidden)
	assert.NotErrorIs(t, ErrFormNotFound, ErrForbidden)
}
