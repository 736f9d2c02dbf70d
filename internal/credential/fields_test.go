package credential

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsSensitiveField(t *testing.T) {
	cases := []struct {
		name      string
		sensitive bool
	}{
		// strong signals
		{"CLIENT_SECRET", true},
		{"db_password", true},
		{"SSH_PRIVATE_KEY", true},
		{"GITHUB_ACCESS_TOKEN", true},
		{"SUPABASE_SERVICE_ROLE", true},
		{"bearer", true},
		{"JWT_SIGNING", true},
		{"accessToken", true},
		{"clientSecret", true},

		// weak signals
		{"OPENAI_API_KEY", true},
		{"SLACK_BOT_TOKEN", true},
		{"auth", true},
		{"OAUTH_CLIENT", true},
		{"token", true},
		{"apiKey", true},
		{"apikey", true},
		{"api_key", true},
		{"api-key", true},

		// not sensitive
		{"", false},
		{"baseUrl", false},
		{"model", false},
		{"provider", false},
		{"api", false},
		{"mode", false},
		{"MAX_TOKENS", false},
		{"keyboard", false},
		{"PUBLIC_KEY", false},
		{"publicKey", false},
		{"author", false},
		{"auth_mode", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.sensitive, IsSensitiveField(tc.name))
		})
	}
}

func TestCamelToSnake(t *testing.T) {
	assert.Equal(t, "access_Token", camelToSnake("accessToken"))
	assert.Equal(t, "api_Key", camelToSnake("apiKey"))
	assert.Equal(t, "API_KEY", camelToSnake("API_KEY"))
	assert.Equal(t, "v2_Token", camelToSnake("v2Token"))
}
