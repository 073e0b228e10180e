package ingest

import (
	"fmt"
	"regexp"
	"strconv"
)

// MediaType classifies a resolved result URL.
type MediaType string

const (
	MediaVideo MediaType = "video"
	MediaImage MediaType = "image"
)

// Meta is optional result metadata carried by stream payloads.
type Meta struct {
	Resolution string
	Duration   string
}

var (
	htmlVideoRe = regexp.MustCompile(`(?i)<video[^>]+src=['"]([^'"]+)['"]`)
	mediaURLRe  = regexp.MustCompile(`(?i)https?:[^\s)'"<>]+\.(?:mp4|mov|m4v|webm|png|jpg|jpeg|webp)`)
	anyURLRe    = regexp.MustCompile(`(?i)https?:[^\s)'"<>]+`)
	percentRe   = regexp.MustCompile(`(\d{1,3})%`)
)

// frameView is the per-frame context extractors operate on. obj is nil
// when the frame payload was not valid JSON.
type frameView struct {
	obj  map[string]any
	raw  string
	tail string
}

// urlExtractor is one rule in the prioritized extraction chain.
type urlExtractor struct {
	name string
	fn   func(frameView) (string, bool)
}

// urlExtractors is the extraction chain, in priority order. The first
// rule that yields a candidate wins for the current frame; the chain
// is re-run on every frame, so an early miss is never final.
var urlExtractors = []urlExtractor{
	{"structured_fields", extractStructured},
	{"content_media_ref", extractContentMediaRef},
	{"chat_completion_delta", extractChatDelta},
	{"tail_media_extension", extractTailMediaExt},
}

// extractStructured checks the well-known top-level result fields.
func extractStructured(v frameView) (string, bool) {
	if v.obj == nil {
		return "", false
	}
	if s := stringField(v.obj, "url"); s != "" {
		return s, true
	}
	if s := nestedString(v.obj, "video_url", "url"); s != "" {
		return s, true
	}
	if s := nestedString(v.obj, "image_url", "url"); s != "" {
		return s, true
	}
	if first := firstElement(v.obj["output"]); first != nil {
		for _, key := range []string{"url", "video_url", "image_url"} {
			if s := stringField(first, key); s != "" {
				return s, true
			}
		}
	}
	return "", false
}

// extractContentMediaRef pulls a media reference embedded in a content
// string: an HTML <video src> attribute, else an absolute URL with a
// recognized media extension.
func extractContentMediaRef(v frameView) (string, bool) {
	if v.obj == nil {
		return "", false
	}
	content := stringField(v.obj, "content")
	if content == "" {
		return "", false
	}
	if m := htmlVideoRe.FindStringSubmatch(content); m != nil {
		return m[1], true
	}
	if m := mediaURLRe.FindString(content); m != "" {
		return m, true
	}
	return "", false
}

// extractChatDelta handles OpenAI chat-completion shaped payloads:
// choices[0].delta / choices[0].message content and output fields.
// Unlike the content rule, any absolute URL qualifies here; the
// allow-list gates acceptance afterwards.
func extractChatDelta(v frameView) (string, bool) {
	if v.obj == nil {
		return "", false
	}
	choice := firstElement(v.obj["choices"])
	if choice == nil {
		return "", false
	}
	delta, _ := choice["delta"].(map[string]any)
	message, _ := choice["message"].(map[string]any)

	content := firstNonEmpty(
		stringField(delta, "content"),
		stringField(message, "content"),
		stringField(v.obj, "content"),
	)
	if s := extractFromText(content); s != "" {
		return s, true
	}
	if s := extractFromText(v.tail); s != "" {
		return s, true
	}

	for _, holder := range []map[string]any{delta, message, v.obj} {
		if holder == nil {
			continue
		}
		if first := firstElement(holder["output"]); first != nil {
			for _, key := range []string{"url", "video_url", "image_url"} {
				if s := stringField(first, key); s != "" {
					return s, true
				}
			}
		}
	}
	return "", false
}

// extractTailMediaExt scans the rolling raw tail for a URL ending in a
// recognized media extension.
func extractTailMediaExt(v frameView) (string, bool) {
	if m := mediaURLRe.FindString(v.tail); m != "" {
		return m, true
	}
	return "", false
}

// extractFinalFallback matches any URL-looking token regardless of
// extension. Applied once, after stream end, when nothing else
// resolved.
func extractFinalFallback(tail string) (string, bool) {
	if m := anyURLRe.FindString(tail); m != "" {
		return m, true
	}
	return "", false
}

func extractFromText(text string) string {
	if text == "" {
		return ""
	}
	if m := htmlVideoRe.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return anyURLRe.FindString(text)
}

// extractProgress reads a frame's progress: the JSON progress field if
// numeric, else an "NN%" token in the raw frame text. Values are
// clamped to [0,100].
func extractProgress(obj map[string]any, raw string) (int, bool) {
	if obj != nil {
		switch p := obj["progress"].(type) {
		case float64:
			return clamp(int(p)), true
		case string:
			if f, err := strconv.ParseFloat(p, 64); err == nil {
				return clamp(int(f)), true
			}
		}
	}
	if m := percentRe.FindStringSubmatch(raw); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return clamp(n), true
		}
	}
	return 0, false
}

// extractMeta reads resolution and duration from the usual field
// spellings.
func extractMeta(obj map[string]any) Meta {
	var meta Meta
	if obj == nil {
		return meta
	}

	inner, _ := obj["meta"].(map[string]any)

	meta.Resolution = firstNonEmpty(
		stringField(obj, "resolution"),
		stringField(inner, "resolution"),
	)
	if meta.Resolution == "" {
		if w, okW := numberField(obj, "width"); okW {
			if h, okH := numberField(obj, "height"); okH {
				meta.Resolution = fmt.Sprintf("%dx%d", w, h)
			}
		}
	}

	meta.Duration = firstNonEmpty(
		anyToString(obj["duration"]),
		anyToString(innerField(inner, "duration")),
	)
	if meta.Duration == "" {
		if n, ok := numberField(obj, "length"); ok {
			meta.Duration = fmt.Sprintf("%ds", n)
		}
	}
	return meta
}

func stringField(obj map[string]any, key string) string {
	if obj == nil {
		return ""
	}
	s, _ := obj[key].(string)
	return s
}

func nestedString(obj map[string]any, outer, inner string) string {
	nested, _ := obj[outer].(map[string]any)
	return stringField(nested, inner)
}

func numberField(obj map[string]any, key string) (int, bool) {
	if obj == nil {
		return 0, false
	}
	f, ok := obj[key].(float64)
	if !ok {
		return 0, false
	}
	return int(f), true
}

func innerField(obj map[string]any, key string) any {
	if obj == nil {
		return nil
	}
	return obj[key]
}

func firstElement(v any) map[string]any {
	arr, ok := v.([]any)
	if !ok || len(arr) == 0 {
		return nil
	}
	first, _ := arr[0].(map[string]any)
	return first
}

func anyToString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return ""
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func clamp(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
