package util

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

//go:embed version.txt
var embeddedVersion string

// JobID derives a stable job id from the parts that identify one logical
// unit of work. Publishing the same parts twice yields the same id.
func JobID(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func GetVersion() string {
	return strings.TrimSpace(embeddedVersion)
}

func GetNameAndVersion() string {
	return fmt.Sprintf("%s / %s", Name, GetVersion())
}

func UserAgent(domain string) string {
	if domain == "" {
		return fmt.Sprintf("%s/%s ActivityPub", Name, GetVersion())
	}
	return fmt.Sprintf("%s/%s ActivityPub (+https://%s/)", Name, GetVersion(), domain)
}

func PrettyPrint(i interface{}) string {
	s, _ := json.MarshalIndent(i, "", " ")
	return string(s)
}
