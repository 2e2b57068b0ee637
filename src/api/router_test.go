package api

import "testing"

func TestRedactSecrets(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "no query string",
			input:    "/monitor/abc",
			expected: "/monitor/abc",
		},
		{
			name:     "no sensitive params",
			input:    "/monitor/abc?name=test&value=123",
			expected: "/monitor/abc?name=test&value=123",
		},
		{
			name:     "token param",
			input:    "/monitor/abc?token=secret123",
			expected: "/monitor/abc?token=%5BREDACTED%5D",
		},
		{
			name:     "password param",
			input:    "/monitor/abc?password=supersecret",
			expected: "/monitor/abc?password=%5BREDACTED%5D",
		},
		{
			name:     "private_key_pem param",
			input:    "/monitor/abc?private_key_pem=-----BEGIN",
			expected: "/monitor/abc?private_key_pem=%5BREDACTED%5D",
		},
		{
			name:     "session_id and task_id params",
			input:    "/monitor/abc?session_id=sess1&task_id=T1",
			expected: "/monitor/abc?session_id=%5BREDACTED%5D&task_id=%5BREDACTED%5D",
		},
		{
			name:     "case insensitive PASSWORD",
			input:    "/monitor/abc?PASSWORD=secret",
			expected: "/monitor/abc?PASSWORD=%5BREDACTED%5D",
		},
		{
			name:     "empty query string",
			input:    "/monitor/abc?",
			expected: "/monitor/abc?",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result := redactSecrets(tc.input)
			if result != tc.expected {
				t.Errorf("redactSecrets(%q) = %q, expected %q", tc.input, result, tc.expected)
			}
		})
	}
}

func TestRedactSecretsPreservesNonSensitiveParams(t *testing.T) {
	input := "/monitor/abc?user=john&email=john@example.com&id=12345"
	result := redactSecrets(input)
	if result != input {
		t.Errorf("non-sensitive params should not be modified. got %q, expected %q", result, input)
	}
}

func TestRedactQueryPatterns(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "token pattern",
			input:    "/monitor/abc?token=abc123",
			expected: "/monitor/abc?token=[REDACTED]",
		},
		{
			name:     "password pattern",
			input:    "/monitor/abc?password=mysecret",
			expected: "/monitor/abc?password=[REDACTED]",
		},
		{
			name:     "multiple patterns",
			input:    "/monitor/abc?token=tok1&password=pass1&name=test",
			expected: "/monitor/abc?token=[REDACTED]&password=[REDACTED]&name=test",
		},
		{
			name:     "no sensitive params",
			input:    "/monitor/abc?name=test&value=123",
			expected: "/monitor/abc?name=test&value=123",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result := redactQueryPatterns(tc.input)
			if result != tc.expected {
				t.Errorf("redactQueryPatterns(%q) = %q, expected %q", tc.input, result, tc.expected)
			}
		})
	}
}

func TestSetupRouterHealth(t *testing.T) {
	r := SetupRouter(nil, nil, true, false)
	routes := r.Routes()
	found := false
	for _, route := range routes {
		if route.Path == "/health" && route.Method == "GET" {
			found = true
		}
	}
	if !found {
		t.Error("expected /health route to be registered")
	}
}
