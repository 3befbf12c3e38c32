package mention

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDetectsMention(t *testing.T) {
	p := NewParser("@vydata")

	tests := []struct {
		name        string
		body        string
		wantMention bool
		wantValid   bool
		wantText    string
	}{
		{
			name:        "plain mention with space",
			body:        "@vydata ajoute un fichier main.txt",
			wantMention: true,
			wantValid:   true,
			wantText:    "ajoute un fichier main.txt",
		},
		{
			name:        "mention with colon",
			body:        "@vydata: corrige le bug d'encodage",
			wantMention: true,
			wantValid:   true,
			wantText:    "corrige le bug d'encodage",
		},
		{
			name:        "mention with comma",
			body:        "@vydata, peux-tu relancer les tests",
			wantMention: true,
			wantValid:   true,
			wantText:    "peux-tu relancer les tests",
		},
		{
			name:        "case insensitive handle",
			body:        "@VyData merge the branch please",
			wantMention: true,
			wantValid:   true,
			wantText:    "merge the branch please",
		},
		{
			name:        "no mention",
			body:        "just chatting about the weather",
			wantMention: false,
		},
		{
			name:        "mention mid-text is not a trigger",
			body:        "I asked @vydata yesterday",
			wantMention: false,
		},
		{
			name:        "too short remainder",
			body:        "@vydata ok",
			wantMention: true,
			wantValid:   false,
		},
		{
			name:        "no alphanumeric content",
			body:        "@vydata ?!... ---",
			wantMention: true,
			wantValid:   false,
		},
		{
			name:        "empty body",
			body:        "",
			wantMention: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := p.Parse(tt.body)
			assert.Equal(t, tt.wantMention, result.HasMention)
			assert.Equal(t, tt.wantValid, result.IsValid)
			if tt.wantText != "" {
				assert.Equal(t, tt.wantText, result.CleanedText)
			}
		})
	}
}

func TestParseStripsHTML(t *testing.T) {
	p := NewParser("@vydata")

	result := p.Parse(`<p>@vydata ajoute une <strong>page de login</strong></p>`)
	require.True(t, result.HasMention)
	require.True(t, result.IsValid)
	assert.Contains(t, result.CleanedText, "page de login")
	assert.NotContains(t, result.CleanedText, "<strong>")
}

func TestParseDecodesEntities(t *testing.T) {
	p := NewParser("@vydata")

	result := p.Parse("@vydata corrige l&#39;erreur dans l&amp;apos;encodage")
	require.True(t, result.HasMention)
	assert.Contains(t, result.CleanedText, "l'erreur")
}

func TestParseBoundsLength(t *testing.T) {
	p := NewParser("@vydata")

	long := "@vydata " + strings.Repeat("a", MaxTextLength+1)
	result := p.Parse(long)
	assert.True(t, result.HasMention)
	assert.False(t, result.IsValid)
}

// Parsing the serialized parse result must be stable on the fields that
// drive routing.
func TestParseIdempotence(t *testing.T) {
	p := NewParser("@vydata")

	first := p.Parse("@vydata ajoute un fichier main.txt")

	data, err := json.Marshal(first)
	require.NoError(t, err)
	var decoded Result
	require.NoError(t, json.Unmarshal(data, &decoded))

	second := p.Parse(decoded.OriginalText)
	assert.Equal(t, first.HasMention, second.HasMention)
	assert.Equal(t, first.CleanedText, second.CleanedText)
}

func TestIsAgentMessage(t *testing.T) {
	assert.True(t, IsAgentMessage("\U0001F916 Workflow terminé avec succès"))
	assert.True(t, IsAgentMessage("[VALIDATION] Merci de valider la PR #18"))
	assert.True(t, IsAgentMessage("  [TASKPILOT] status update"))
	assert.False(t, IsAgentMessage("@vydata ajoute un fichier"))
	assert.False(t, IsAgentMessage("merci beaucoup"))
}
