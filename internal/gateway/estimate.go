package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/ScriptSmith/hadrian-sub008/internal/config"
	"github.com/ScriptSmith/hadrian-sub008/internal/gateway/apierror"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/admission"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/tokens"
)

// segmentSeparator joins message texts for screening. The record separator
// never appears in screening patterns, so redacted output splits back into
// the same number of segments.
const segmentSeparator = "\x1e"

// Ask is what the client requested, parsed far enough to price and screen
// it. The raw body is retained and restored for proxying.
type Ask struct {
	Model     string
	Stream    bool
	MaxTokens int64

	// Content joins every text segment of the body with segmentSeparator.
	Content  string
	Segments int

	EstimatedTokens    int64
	EstimatedCostCents int64

	Body []byte
}

// askReader caps, parses, and restores request bodies. Unparseable bodies
// are not rejected; estimation falls back to configured defaults and the
// upstream keeps the final word on validity.
type askReader struct {
	estimator         *tokens.Estimator
	pricing           map[string]config.ModelPrice
	maxBodyBytes      int64
	fallbackTokens    int64
	fallbackCostCents int64
}

func newAskReader(cfg *config.Config, estimator *tokens.Estimator) *askReader {
	maxBody := cfg.Server.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 10 << 20
	}
	return &askReader{
		estimator:         estimator,
		pricing:           cfg.Pricing.Models,
		maxBodyBytes:      maxBody,
		fallbackTokens:    cfg.Limits.RateLimits.EstimatedTokensPerRequest,
		fallbackCostCents: cfg.Limits.Budgets.EstimatedCostCents,
	}
}

// Read consumes the request body up to the configured cap and restores it
// on r for the proxy leg.
func (a *askReader) Read(w http.ResponseWriter, r *http.Request) (*Ask, *apierror.Error) {
	ask := &Ask{Model: strings.TrimSpace(r.Header.Get("X-Model"))}

	if r.Body != nil && r.Body != http.NoBody {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.maxBodyBytes))
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				return nil, apierror.New(apierror.KindRequestTooLarge, "")
			}
			return nil, apierror.Wrap(apierror.KindInternal, "failed to read request body", err)
		}
		ask.Body = body
		r.Body = io.NopCloser(bytes.NewReader(body))
		r.ContentLength = int64(len(body))
	}

	var parsed struct {
		Model     string          `json:"model"`
		Stream    bool            `json:"stream"`
		MaxTokens int64           `json:"max_tokens"`
		Messages  json.RawMessage `json:"messages"`
		Prompt    json.RawMessage `json:"prompt"`
		Input     json.RawMessage `json:"input"`
	}
	if len(ask.Body) > 0 && json.Unmarshal(ask.Body, &parsed) == nil {
		if parsed.Model != "" {
			ask.Model = parsed.Model
		}
		ask.Stream = parsed.Stream
		ask.MaxTokens = parsed.MaxTokens

		var doc map[string]any
		if json.Unmarshal(ask.Body, &doc) == nil {
			segments := textSegments(doc)
			ask.Segments = len(segments)
			ask.Content = strings.Join(segments, segmentSeparator)
		}
	}

	promptTokens := int64(0)
	if ask.Content != "" {
		promptTokens = int64(a.estimator.Count(ask.Content))
	}
	ask.EstimatedTokens = promptTokens
	if ask.EstimatedTokens <= 0 {
		ask.EstimatedTokens = a.fallbackTokens
	}

	ask.EstimatedCostCents = a.fallbackCostCents
	if price, ok := a.pricing[ask.Model]; ok && promptTokens > 0 {
		if cents := estimateCostCents(price, promptTokens, ask.MaxTokens); cents > 0 {
			ask.EstimatedCostCents = cents
		}
	}
	return ask, nil
}

// RewriteRedacted rebuilds the request body with redacted text segments. It
// returns false when the redacted content no longer lines up with the body
// shape; callers then forward the original.
func (a *askReader) RewriteRedacted(r *http.Request, ask *Ask, redacted string) bool {
	texts := strings.Split(redacted, segmentSeparator)
	if len(texts) != ask.Segments {
		return false
	}
	var doc map[string]any
	if err := json.Unmarshal(ask.Body, &doc); err != nil {
		return false
	}
	if !replaceTextSegments(doc, texts) {
		return false
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return false
	}
	ask.Body = body
	ask.Content = redacted
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))
	return true
}

// estimateCostCents prices the admission reserve. Completion size is taken
// from max_tokens when the client set one, otherwise assumed symmetric with
// the prompt. Rounds up to whole cents.
func estimateCostCents(price config.ModelPrice, promptTokens, maxTokens int64) int64 {
	completion := maxTokens
	if completion <= 0 {
		completion = promptTokens
	}
	micro := costMicrocents(price, promptTokens, completion)
	if micro <= 0 {
		return 0
	}
	return (micro + admission.MicrocentsPerCent - 1) / admission.MicrocentsPerCent
}

// costMicrocents prices actual token counts against the per-1k table.
func costMicrocents(price config.ModelPrice, promptTokens, completionTokens int64) int64 {
	return promptTokens*price.PromptPer1K/1000 + completionTokens*price.CompletionPer1K/1000
}

// textSegments walks a chat-completions style document and collects its
// text in order: message contents (string or typed parts), legacy prompt
// strings, and embeddings input.
func textSegments(doc map[string]any) []string {
	var segments []string
	walkText(doc, func(s string) (string, bool) {
		segments = append(segments, s)
		return s, false
	})
	return segments
}

// replaceTextSegments writes texts back over the document's segments in the
// same order textSegments produced them.
func replaceTextSegments(doc map[string]any, texts []string) bool {
	i := 0
	ok := walkText(doc, func(s string) (string, bool) {
		if i >= len(texts) {
			return s, false
		}
		t := texts[i]
		i++
		return t, t != s
	})
	return ok && i == len(texts)
}

// responseSegments pulls the assistant-visible text out of a completion
// shaped response body for output screening. It returns the segments and the
// parsed document for write-back; nil segments mean the shape is unknown and
// the caller screens the raw body instead.
func responseSegments(body []byte) ([]string, map[string]any) {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, nil
	}
	var segments []string
	ok := walkResponseText(doc, func(s string) (string, bool) {
		segments = append(segments, s)
		return s, false
	})
	if !ok || len(segments) == 0 {
		return nil, nil
	}
	return segments, doc
}

// rebuildResponse writes redacted texts back over the response document.
func rebuildResponse(doc map[string]any, texts []string) ([]byte, bool) {
	i := 0
	ok := walkResponseText(doc, func(s string) (string, bool) {
		if i >= len(texts) {
			return s, false
		}
		t := texts[i]
		i++
		return t, t != s
	})
	if !ok || i != len(texts) {
		return nil, false
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, false
	}
	return body, true
}

// walkResponseText visits the generated text of chat, legacy-completion, and
// responses-shaped bodies.
func walkResponseText(doc map[string]any, visit func(string) (string, bool)) bool {
	if choices, found := doc["choices"].([]any); found {
		for _, c := range choices {
			choice, isMap := c.(map[string]any)
			if !isMap {
				return false
			}
			if msg, isMsg := choice["message"].(map[string]any); isMsg {
				if content, isString := msg["content"].(string); isString {
					if s, changed := visit(content); changed {
						msg["content"] = s
					}
				}
			}
			if text, isString := choice["text"].(string); isString {
				if s, changed := visit(text); changed {
					choice["text"] = s
				}
			}
		}
	}

	if output, found := doc["output"].([]any); found {
		for _, o := range output {
			item, isMap := o.(map[string]any)
			if !isMap {
				continue
			}
			parts, isList := item["content"].([]any)
			if !isList {
				continue
			}
			for _, p := range parts {
				part, isPart := p.(map[string]any)
				if !isPart {
					continue
				}
				text, hasText := part["text"].(string)
				if !hasText {
					continue
				}
				if s, changed := visit(text); changed {
					part["text"] = s
				}
			}
		}
	}
	return true
}

// walkText visits every text segment. visit returns the replacement and
// whether it changed; walkText reports whether the document kept a shape it
// understands.
func walkText(doc map[string]any, visit func(string) (string, bool)) bool {
	if messages, found := doc["messages"].([]any); found {
		for _, m := range messages {
			msg, isMap := m.(map[string]any)
			if !isMap {
				return false
			}
			switch content := msg["content"].(type) {
			case string:
				if s, changed := visit(content); changed {
					msg["content"] = s
				}
			case []any:
				for _, p := range content {
					part, isPart := p.(map[string]any)
					if !isPart {
						continue
					}
					text, hasText := part["text"].(string)
					if !hasText {
						continue
					}
					if s, changed := visit(text); changed {
						part["text"] = s
					}
				}
			}
		}
	}

	switch prompt := doc["prompt"].(type) {
	case string:
		if s, changed := visit(prompt); changed {
			doc["prompt"] = s
		}
	case []any:
		for i, entry := range prompt {
			if text, isString := entry.(string); isString {
				if s, changed := visit(text); changed {
					prompt[i] = s
				}
			}
		}
	}

	switch in := doc["input"].(type) {
	case string:
		if s, changed := visit(in); changed {
			doc["input"] = s
		}
	case []any:
		for i, entry := range in {
			if text, isString := entry.(string); isString {
				if s, changed := visit(text); changed {
					in[i] = s
				}
			}
		}
	}
	return true
}
