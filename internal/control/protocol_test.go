package control

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/easysave/easysave/internal/backend/backup"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line    string
		want    Command
		wantErr bool
	}{
		{line: "GET_JOBS", want: Command{Verb: VerbGetJobs}},
		{line: "GET_JOBS\n", want: Command{Verb: VerbGetJobs}},
		{line: "GET_JOBS\r\n", want: Command{Verb: VerbGetJobs}},
		{line: "START:J1", want: Command{Verb: VerbStart, Name: "J1"}},
		{line: "PAUSE:J1\n", want: Command{Verb: VerbPause, Name: "J1"}},
		{line: "RESUME:my job", want: Command{Verb: VerbResume, Name: "my job"}},
		{line: "STOP:J3\r\n", want: Command{Verb: VerbStop, Name: "J3"}},
		{line: "", wantErr: true},
		{line: "\n", wantErr: true},
		{line: "get_jobs", wantErr: true},
		{line: "GET_JOBS:J1", wantErr: true},
		{line: "HELLO", wantErr: true},
		{line: "DELETE:J1", wantErr: true},
		{line: "PAUSE:", wantErr: true},
		{line: "PAUSE", wantErr: true},
		{line: "STOP:a\rb", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.line), func(t *testing.T) {
			got, err := ParseCommand(tt.line)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrBadRequest)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCommandStringRoundTrip(t *testing.T) {
	for _, cmd := range []Command{
		{Verb: VerbGetJobs},
		{Verb: VerbStart, Name: "nightly"},
		{Verb: VerbStop, Name: "name:with:colons"},
	} {
		parsed, err := ParseCommand(cmd.String())
		require.NoError(t, err)
		assert.Equal(t, cmd, parsed)
	}
}

func TestFormatErrorCodes(t *testing.T) {
	tests := []struct {
		err  error
		code Code
	}{
		{fmt.Errorf("%w: J9", backup.ErrNotFound), CodeNotFound},
		{fmt.Errorf("%w: Idle to Paused", backup.ErrInvalidTransition), CodeInvalidTransition},
		{backup.ErrAlreadyRunning, CodeAlreadyRunning},
		{fmt.Errorf("%w: empty command", ErrBadRequest), CodeBadRequest},
		{errors.New("disk on fire"), CodeInternal},
	}

	for _, tt := range tests {
		line := FormatError(tt.err)
		assert.True(t, strings.HasPrefix(line, "ERR "+string(tt.code)+": "), line)
		assert.NotContains(t, line, "\n")

		var re *ReplyError
		require.ErrorAs(t, ParseReply(line), &re)
		assert.Equal(t, tt.code, re.Code)
	}
}

func TestFormatErrorFlattensLines(t *testing.T) {
	line := FormatError(errors.New("first\nsecond\r\nthird"))
	assert.Equal(t, "ERR Internal: first second  third", line)
}

func TestParseReply(t *testing.T) {
	assert.NoError(t, ParseReply("OK"))
	assert.NoError(t, ParseReply("OK\r\n"))

	err := ParseReply("ERR NotFound: job not found: J9")
	assert.ErrorIs(t, err, backup.ErrNotFound)
	assert.EqualError(t, err, "NotFound: job not found: J9")

	assert.ErrorIs(t, ParseReply("ERR InvalidTransition: Idle to Paused"), backup.ErrInvalidTransition)
	assert.ErrorIs(t, ParseReply("ERR AlreadyRunning: busy"), backup.ErrAlreadyRunning)
	assert.ErrorIs(t, ParseReply("ERR BadRequest: nope"), ErrBadRequest)
	assert.ErrorIs(t, ParseReply("ERR Martian: ???"), ErrInternal)

	assert.ErrorIs(t, ParseReply(""), ErrUnexpectedReply)
	assert.ErrorIs(t, ParseReply("ok"), ErrUnexpectedReply)
	assert.ErrorIs(t, ParseReply(`[{"Name":"J1"}]`), ErrUnexpectedReply)
}
