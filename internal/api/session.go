package api

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/tidwall/gjson"
)

// sessionKeyHashLen matches the truncated-hex key-length idiom used elsewhere
// in this codebase for stable content hashes.
const sessionKeyHashLen = 24

// computeSessionKey hashes the ordered prefix of assistant+user messages in
// an already-translated Kiro conversation payload, so two requests sharing a
// conversation history route to the same account (spec.md §4.4, §9).
func computeSessionKey(kiroPayload []byte) string {
	root := gjson.ParseBytes(kiroPayload)
	messages := root.Get("messages")
	if !messages.IsArray() {
		return ""
	}
	h := sha256.New()
	wrote := false
	messages.ForEach(func(_, msg gjson.Result) bool {
		role := msg.Get("role").String()
		if role != "user" && role != "assistant" {
			return true
		}
		h.Write([]byte(role))
		h.Write([]byte{0})
		h.Write([]byte(msg.Get("content").Raw))
		h.Write([]byte{0})
		wrote = true
		return true
	})
	if !wrote {
		return ""
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum)[:sessionKeyHashLen]
}
