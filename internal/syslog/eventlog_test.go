package syslog

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readEvents(t *testing.T, path string) []map[string]interface{} {
	t.Helper()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []map[string]interface{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &m), "line: %s", scanner.Text())
		out = append(out, m)
	}
	require.NoError(t, scanner.Err())
	return out
}

func TestEventLog(t *testing.T) {
	t.Run("WritesOneFilePerJob", func(t *testing.T) {
		el, err := NewEventLog(t.TempDir(), 16)
		require.NoError(t, err)

		el.Append(Event{Job: "docs", RunID: "r1", Kind: EventState, State: "Running"})
		el.Append(Event{Job: "docs", RunID: "r1", Kind: EventFileCopied, File: "a.txt", Size: 10})
		el.Append(Event{Job: "photos", Kind: EventError, Err: errors.New("disk full")})
		require.NoError(t, el.Close())

		docs := readEvents(t, el.Path("docs"))
		require.Len(t, docs, 2)
		assert.Equal(t, "state", docs[0]["kind"])
		assert.Equal(t, "Running", docs[0]["state"])
		assert.Equal(t, "r1", docs[0]["run"])
		assert.Equal(t, "a.txt", docs[1]["file"])
		assert.EqualValues(t, 10, docs[1]["size"])

		photos := readEvents(t, el.Path("photos"))
		require.Len(t, photos, 1)
		assert.Equal(t, "disk full", photos[0]["error"])
	})

	t.Run("AppendAfterCloseIsDropped", func(t *testing.T) {
		el, err := NewEventLog(t.TempDir(), 4)
		require.NoError(t, err)
		require.NoError(t, el.Close())
		require.NoError(t, el.Close())

		assert.NotPanics(t, func() {
			el.Append(Event{Job: "late", Kind: EventState})
		})
		assert.EqualValues(t, 1, el.Dropped())
	})

	t.Run("SanitizesJobNames", func(t *testing.T) {
		el, err := NewEventLog(t.TempDir(), 4)
		require.NoError(t, err)
		defer el.Close()

		assert.Regexp(t, `^my_job_1-[0-9a-f]{8}\.jsonl$`, filepath.Base(el.Path("my job/1")))
		assert.Regexp(t, `^_-[0-9a-f]{8}\.jsonl$`, filepath.Base(el.Path("")))
		assert.Equal(t, el.Path("my job/1"), el.Path("my job/1"))
	})

	t.Run("CollidingNamesGetSeparateFiles", func(t *testing.T) {
		el, err := NewEventLog(t.TempDir(), 16)
		require.NoError(t, err)

		assert.NotEqual(t, el.Path("a b"), el.Path("a_b"))

		el.Append(Event{Job: "a b", Kind: EventState, State: "Running"})
		el.Append(Event{Job: "a_b", Kind: EventState, State: "Completed"})
		require.NoError(t, el.Close())

		spaced := readEvents(t, el.Path("a b"))
		underscored := readEvents(t, el.Path("a_b"))
		require.Len(t, spaced, 1)
		require.Len(t, underscored, 1)
		assert.Equal(t, "a b", spaced[0]["job"])
		assert.Equal(t, "a_b", underscored[0]["job"])
	})
}
