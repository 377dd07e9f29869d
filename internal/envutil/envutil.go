// Package envutil prepares the environment handed to sandboxed processes.
// The wrapped command inherits the caller's environment minus anything that
// smells like a credential; the sandbox exists precisely because the command
// is untrusted.
package envutil

import "strings"

// sensitiveKeys are exact environment variable names never passed into a
// sandbox.
var sensitiveKeys = map[string]struct{}{
	"AWS_ACCESS_KEY_ID":              {},
	"AWS_SECRET_ACCESS_KEY":          {},
	"AWS_SESSION_TOKEN":              {},
	"GOOGLE_APPLICATION_CREDENTIALS": {},
	"GITHUB_TOKEN":                   {},
	"GH_TOKEN":                       {},
	"NPM_TOKEN":                      {},
	"DOCKER_PASSWORD":                {},
	"SSH_AUTH_SOCK":                  {},
}

// sensitiveSuffixes match credential-bearing names by convention, e.g.
// STRIPE_API_KEY or VAULT_TOKEN.
var sensitiveSuffixes = []string{
	"_API_KEY", "_APIKEY", "_SECRET", "_TOKEN", "_PASSWORD", "_PRIVATE_KEY",
}

// Sanitize returns env with credential-bearing variables removed.
func Sanitize(env []string) []string {
	out := make([]string, 0, len(env))
	for _, e := range env {
		key := e
		if idx := strings.IndexByte(e, '='); idx >= 0 {
			key = e[:idx]
		}
		if isSensitive(key) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func isSensitive(key string) bool {
	if _, ok := sensitiveKeys[key]; ok {
		return true
	}
	upper := strings.ToUpper(key)
	for _, suffix := range sensitiveSuffixes {
		if strings.HasSuffix(upper, suffix) {
			return true
		}
	}
	return false
}

// Set sets or replaces a variable in an env slice and returns the modified
// slice.
func Set(env []string, key, value string) []string {
	prefix := key + "="
	for i, e := range env {
		if strings.HasPrefix(e, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}
