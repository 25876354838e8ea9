package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line    string
		want    command
		wantErr bool
	}{
		{line: "play", want: command{name: "play"}},
		{line: "  PAUSE ", want: command{name: "pause"}},
		{line: "state", want: command{name: "state"}},
		{line: "seek 42.5", want: command{name: "seek", arg: 42.5}},
		{line: "+5", want: command{name: "seekby", arg: 5}},
		{line: "-5", want: command{name: "seekby", arg: -5}},
		{line: "click main-video", want: command{name: "click", node: "main-video"}},
		{line: "seek", wantErr: true},
		{line: "seek soon", wantErr: true},
		{line: "click", wantErr: true},
		{line: "+x", wantErr: true},
		{line: "rewind", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := parseCommand(tt.line)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadCommands(t *testing.T) {
	in := strings.NewReader("play\n\nbogus\n+10\nquit\npause\n")
	var out bytes.Buffer
	var got []command

	err := readCommands(context.Background(), in, &out, func(cmd command) error {
		got = append(got, cmd)
		return nil
	})
	require.ErrorIs(t, err, errQuit)
	assert.Equal(t, []command{{name: "play"}, {name: "seekby", arg: 10}}, got)
	assert.Contains(t, out.String(), "bogus")
}

func TestReadCommandsEndOfInput(t *testing.T) {
	var out bytes.Buffer
	err := readCommands(context.Background(), strings.NewReader("state\n"), &out, func(command) error { return nil })
	require.ErrorIs(t, err, errQuit)
}
