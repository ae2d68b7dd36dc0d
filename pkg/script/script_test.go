package script

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"interviewer/pkg/faults"
)

const acmeBackend = `
company: Acme Corp
role: Backend Engineer
background_question: Tell me about a service you owned end to end.
coding_challenge: |
  Implement a token bucket rate limiter.
`

func TestFileSourceLoads(t *testing.T) {
	dir := t.TempDir()
	src := NewFileSource(dir)
	path := src.Path("Acme Corp", "Backend Engineer")
	assert.Equal(t, filepath.Join(dir, "acme-corp", "backend-engineer.yaml"), path)

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(acmeBackend), 0o600))

	s, err := src.Load(context.Background(), "Acme Corp", "Backend Engineer")
	require.NoError(t, err)
	assert.Equal(t, "Tell me about a service you owned end to end.", s.BackgroundQuestion)
	assert.Equal(t, "Implement a token bucket rate limiter.\n", s.CodingChallenge)
	assert.Equal(t, s.CodingChallenge, s.TaskText())
}

func TestMissingScriptIsFatal(t *testing.T) {
	_, err := NewFileSource(t.TempDir()).Load(context.Background(), "Nobody", "Nothing")
	require.Error(t, err)
	assert.True(t, faults.IsFatal(err))
	assert.Equal(t, faults.KindConfigurationMissing, faults.KindOf(err))
}

func TestMissingFieldsAreNeverDefaulted(t *testing.T) {
	tests := map[string]string{
		"coding_challenge":    "company: A\nrole: B\nbackground_question: Q\n",
		"background_question": "company: A\nrole: B\ncoding_challenge: C\n",
		"role":                "company: A\nbackground_question: Q\ncoding_challenge: C\n",
	}
	for field, doc := range tests {
		t.Run(field, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
			assert.True(t, faults.Is(err, faults.KindConfigurationMissing))
			assert.Contains(t, err.Error(), field)
		})
	}
}

func TestMissingCompanyOrRole(t *testing.T) {
	_, err := NewFileSource(t.TempDir()).Load(context.Background(), "", "Backend")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"company"`)
}

func TestStaticSource(t *testing.T) {
	src := Static{Key("Acme", "SRE"): {Company: "Acme", Role: "SRE", BackgroundQuestion: "Q", CodingChallenge: "C"}}
	s, err := src.Load(context.Background(), "acme", "sre")
	require.NoError(t, err)
	assert.Equal(t, "Q", s.BackgroundQuestion)

	_, err = src.Load(context.Background(), "acme", "pm")
	assert.True(t, faults.IsFatal(err))
}
