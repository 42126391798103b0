// Package credentials renders the git credential helper used by both
// the crawler's working clones and the build containers, and codecs the
// base64-armored key material stored on the configuration row.
package credentials

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/conveyor-ci/conveyor/internal/model"
)

// Decode unarmors a base64 value (SSH key, known_hosts) from the store.
// An empty input decodes to the empty string.
func Decode(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return "", fmt.Errorf("failed to decode key material: %w", err)
	}
	return string(data), nil
}

// Encode armors key material for storage.
func Encode(plain string) string {
	return base64.StdEncoding.EncodeToString([]byte(plain))
}

// HelperScript renders a git credential helper that answers "get"
// requests with the stored username/password whose URL prefix matches
// the requested protocol://host.
func HelperScript(creds []model.GitCredential) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	b.WriteString("test \"$1\" = \"get\" || exit 0\n")
	b.WriteString("host=\"\"\nprotocol=\"\"\n")
	b.WriteString("while read -r line; do\n")
	b.WriteString("    case \"$line\" in\n")
	b.WriteString("        host=*) host=\"${line#host=}\" ;;\n")
	b.WriteString("        protocol=*) protocol=\"${line#protocol=}\" ;;\n")
	b.WriteString("    esac\n")
	b.WriteString("done\n")
	b.WriteString("case \"$protocol://$host\" in\n")
	for _, c := range creds {
		url := strings.TrimRight(c.URL, "/")
		fmt.Fprintf(&b, "    %s*)\n", shellPattern(url))
		fmt.Fprintf(&b, "        echo \"username=%s\"\n", shellQuote(c.Username))
		fmt.Fprintf(&b, "        echo \"password=%s\"\n", shellQuote(c.Password))
		b.WriteString("        ;;\n")
	}
	b.WriteString("esac\n")
	return b.String()
}

// shellPattern escapes a URL for use as a case pattern.
func shellPattern(s string) string {
	r := strings.NewReplacer("*", "\\*", "?", "\\?", "[", "\\[", "\"", "\\\"", " ", "\\ ")
	return r.Replace(s)
}

// shellQuote escapes a value interpolated into a double-quoted echo.
func shellQuote(s string) string {
	r := strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "$", "\\$", "`", "\\`")
	return r.Replace(s)
}
