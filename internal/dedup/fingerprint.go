package dedup

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/msgmux/pkg/types"
)

// Fingerprint returns the canonical hash identifying a request for
// in-flight coalescing. Requests that differ only in JSON key order,
// whitespace, or balancer-only fields (the provider pin) produce the same
// digest. The stream flag is part of the digest, so a streaming request
// never coalesces with a non-streaming one.
func Fingerprint(req *types.MessagesRequest) string {
	canon := map[string]any{
		"model":          req.Model,
		"messages":       canonicalize(req.Messages),
		"system":         canonicalize(req.System),
		"tools":          canonicalize(req.Tools),
		"tool_choice":    canonicalize(req.ToolChoice),
		"temperature":    req.Temperature,
		"top_p":          req.TopP,
		"top_k":          req.TopK,
		"max_tokens":     req.MaxTokens,
		"stop_sequences": req.StopSequences,
		"stream":         req.Stream,
	}
	// Map keys marshal in sorted order, so the digest is key-order stable.
	raw, _ := json.Marshal(canon)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// canonicalize round-trips a value through JSON so client-supplied raw
// fragments lose their original key order and whitespace.
func canonicalize(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
