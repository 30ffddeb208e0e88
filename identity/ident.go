package identity

// Tenant and user identifiers embed directly in bucket keys, so values
// outside a small ASCII set are rejected at extraction and the credential
// source that carried them is treated as absent.

const maxIdentBytes = 64

var identChars [128]bool

func init() {
	for _, c := range "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_-:.@+" {
		identChars[c] = true
	}
}

// cleanIdent returns s unchanged when it is safe to embed in a bucket key,
// and "" otherwise.
func cleanIdent(s string) string {
	if s == "" || len(s) > maxIdentBytes {
		return ""
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 128 || !identChars[c] {
			return ""
		}
	}
	return s
}
