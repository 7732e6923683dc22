package auth

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestParseBasic(t *testing.T) {
	enc := func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

	tests := []struct {
		name     string
		header   string
		wantUser string
		wantPass string
		wantOK   bool
	}{
		{"valid", "Basic " + enc("alice:secret"), "alice", "secret", true},
		{"lowercase scheme", "basic " + enc("alice:secret"), "alice", "secret", true},
		{"colon in password", "Basic " + enc("alice:a:b"), "alice", "a:b", true},
		{"empty password", "Basic " + enc("alice:"), "alice", "", true},
		{"no colon", "Basic " + enc("alice"), "", "", false},
		{"empty user", "Basic " + enc(":secret"), "", "", false},
		{"bad base64", "Basic !!!", "", "", false},
		{"bearer", "Bearer abc", "", "", false},
		{"empty", "", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, pass, ok := ParseBasic(tt.header)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantUser, user)
			assert.Equal(t, tt.wantPass, pass)
		})
	}
}

func TestExtractToken(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name   string
		target string
		header map[string]string
		want   tokenCredentials
		wantOK bool
	}{
		{
			name:   "current headers",
			target: "/",
			header: map[string]string{HeaderUsername: "alice", HeaderToken: "t1"},
			want:   tokenCredentials{Username: "alice", Token: "t1"},
			wantOK: true,
		},
		{
			name:   "bearer",
			target: "/",
			header: map[string]string{HeaderUsername: "alice", "Authorization": "Bearer t2"},
			want:   tokenCredentials{Username: "alice", Token: "t2"},
			wantOK: true,
		},
		{
			name:   "legacy query",
			target: "/?authenticationUserId=4&authenticationToken=t3",
			want:   tokenCredentials{UserID: "4", Token: "t3"},
			wantOK: true,
		},
		{
			name:   "username without token",
			target: "/",
			header: map[string]string{HeaderUsername: "alice"},
		},
		{
			name:   "basic is not a token",
			target: "/",
			header: map[string]string{"Authorization": "Basic YWxpY2U6eA=="},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest(http.MethodGet, tt.target, nil)
			for k, v := range tt.header {
				c.Request.Header.Set(k, v)
			}
			got, ok := extractToken(c)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
