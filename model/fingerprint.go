package model

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
)

// NewFingerprint hashes the image bytes together with the request parameters
// that change the providers' answer. The user is deliberately not part of it.
func NewFingerprint(req Request) Fingerprint {
	organs := make([]string, 0, len(req.Organs))
	for _, o := range req.Organs {
		if o = strings.ToLower(strings.TrimSpace(o)); o != "" {
			organs = append(organs, o)
		}
	}
	sort.Strings(organs)

	h := sha256.New()
	h.Write(req.Image.Data)
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(organs, ",")))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(strings.TrimSpace(req.Language))))

	return Fingerprint(fmt.Sprintf("%x", h.Sum(nil)))
}
