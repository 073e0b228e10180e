package jobfile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadYAMLManifest(t *testing.T) {
	path := writeFile(t, "jobs.yaml", `
jobs:
  - prompt: a cat surfing
    model: sora-2
  - prompt: a dog skiing
prompts:
  - northern lights timelapse
`)

	jobs, err := Load(path)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, "a cat surfing", jobs[0].Prompt)
	assert.Equal(t, "sora-2", jobs[0].Model)
	assert.Equal(t, "northern lights timelapse", jobs[2].Prompt)
}

func TestLoadJSONManifest(t *testing.T) {
	path := writeFile(t, "jobs.json", `{"prompts":["one","two"]}`)

	jobs, err := Load(path)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "one", jobs[0].Prompt)
}

func TestLoadPlainLines(t *testing.T) {
	path := writeFile(t, "prompts.txt", "first prompt\n\n  second prompt  \n\n")

	jobs, err := Load(path)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "first prompt", jobs[0].Prompt)
	assert.Equal(t, "second prompt", jobs[1].Prompt)
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.ErrorContains(t, err, "not found")
	})

	t.Run("empty file", func(t *testing.T) {
		_, err := Load(writeFile(t, "empty.txt", "\n\n"))
		assert.ErrorContains(t, err, "no jobs")
	})

	t.Run("invalid yaml", func(t *testing.T) {
		_, err := Load(writeFile(t, "bad.yaml", "jobs: ["))
		assert.Error(t, err)
	})

	t.Run("job without prompt or file", func(t *testing.T) {
		_, err := Load(writeFile(t, "bad.json", `{"jobs":[{"model":"sora-2"}]}`))
		assert.ErrorContains(t, err, "prompt or a file")
	})
}

func TestSnippet(t *testing.T) {
	long := strings.Repeat("x", 200)
	tests := []struct {
		name string
		job  Job
		want string
	}{
		{"short prompt", Job{Prompt: "a cat"}, "a cat"},
		{"long prompt truncated", Job{Prompt: long}, long[:SnippetLimit]},
		{"file only", Job{File: "/data/inputs/frame.png"}, "frame.png"},
		{"whitespace prompt falls back to file", Job{Prompt: "  ", File: "/a/b.mp4"}, "b.mp4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.job.Snippet())
		})
	}
}

func TestExpandGlob(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))
	for _, name := range []string{"b.png", "a.png", "nested/c.png", "skip.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}

	jobs, err := ExpandGlob("animate this", filepath.Join(dir, "**", "*.png"))
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	for _, j := range jobs {
		assert.Equal(t, "animate this", j.Prompt)
		assert.True(t, strings.HasSuffix(j.File, ".png"))
	}
	assert.True(t, strings.HasSuffix(jobs[0].File, "a.png"), "matches are sorted")
}

func TestExpandGlobNoMatches(t *testing.T) {
	_, err := ExpandGlob("p", filepath.Join(t.TempDir(), "*.png"))
	assert.ErrorContains(t, err, "matched no files")
}
