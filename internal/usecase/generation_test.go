package usecase

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Newsroom/internal/domain"
)

func TestParseDraft(t *testing.T) {
	cases := []struct {
		name     string
		text     string
		headline string
		body     string
		langs    int
	}{
		{
			name:     "plain object",
			text:     `{"headline": "Metro opens", "body": "Stations opened today."}`,
			headline: "Metro opens",
			body:     "Stations opened today.",
		},
		{
			name:     "code fence with prose",
			text:     "Here you go:\n```json\n{\"headline\": \"Metro opens\", \"body\": \"Text\", \"localized\": {\"ar\": \"نص\"}}\n```\nHope it helps.",
			headline: "Metro opens",
			body:     "Text",
			langs:    1,
		},
		{
			name:     "trailing commas",
			text:     `{"headline": "Metro opens", "body": "Text", "localized": {"fr": "Texte",},}`,
			headline: "Metro opens",
			body:     "Text",
			langs:    1,
		},
		{
			name:     "alias keys",
			text:     `Result: {"title": "Metro opens", "content": "Text", "translations": {"hi": "x", "ar": "y"}}`,
			headline: "Metro opens",
			body:     "Text",
			langs:    2,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			draft, err := ParseDraft(tc.text)
			require.NoError(t, err)
			assert.Equal(t, tc.headline, draft.Headline)
			assert.Equal(t, tc.body, draft.Body)
			assert.Len(t, draft.Localized, tc.langs)
			assert.False(t, draft.Fallback)
		})
	}
}

func TestParseDraftRejectsUnusableOutput(t *testing.T) {
	for _, text := range []string{
		"no json here",
		`{"headline": "only a headline"}`,
		`{"headline": "broken", "body": }`,
	} {
		_, err := ParseDraft(text)
		var perr *domain.ParseError
		assert.ErrorAs(t, err, &perr, text)
	}
}

func TestFallbackDraft(t *testing.T) {
	draft := FallbackDraft(domain.RawContent{Title: " Title ", Summary: "Summary", Body: "Body"})
	assert.Equal(t, "Title", draft.Headline)
	assert.Equal(t, "Summary\n\nBody", draft.Body)
	assert.True(t, draft.Fallback)

	draft = FallbackDraft(domain.RawContent{Title: "Title", Body: "Body"})
	assert.Equal(t, "Body", draft.Body)
}

func TestTargetLanguages(t *testing.T) {
	src := domain.Source{Config: domain.SourceConfig{Languages: []string{"ur", "EN", "ar", "ar", " "}}}
	assert.Equal(t, []string{"ar", "ur"}, targetLanguages(src, []string{"hi"}))
	assert.Equal(t, []string{"hi"}, targetLanguages(domain.Source{}, []string{"hi", "en"}))
	assert.Empty(t, targetLanguages(domain.Source{}, nil))
}

func TestGenerationRequest(t *testing.T) {
	p := NewPipeline(PipelineDeps{Writer: WriterConfig{
		MaxTokens:      1500,
		MaxPromptChars: 50,
		Styles:         map[string]string{"transport": "short and punchy"},
	}})
	item := richItem(domain.StageProcessed)
	item.Raw.Body = strings.Repeat("x", 200)

	req := p.generationRequest(item, domain.Service{Model: "large", MaxTokens: 800}, []string{"ar"}, "expand the quotes")

	assert.Equal(t, "large", req.Model)
	assert.Equal(t, 800, req.MaxTokens)
	assert.Contains(t, req.Prompt, "Style: short and punchy")
	assert.Contains(t, req.Prompt, "translations of the body into: ar")
	assert.Contains(t, req.Prompt, "Editor notes: expand the quotes")
	assert.Contains(t, req.Prompt, "Location: Dubai")
	assert.NotContains(t, req.Prompt, strings.Repeat("x", 51))
	assert.NotEmpty(t, req.System)
}
