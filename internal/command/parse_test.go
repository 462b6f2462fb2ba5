package command_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Veraticus/chatrelay/internal/backend"
	"github.com/Veraticus/chatrelay/internal/command"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		want   backend.Command
		wantOK bool
	}{
		{
			name:   "plain message",
			input:  "hello there",
			wantOK: false,
		},
		{
			name:   "hash inside text",
			input:  "issue #12 is open",
			wantOK: false,
		},
		{
			name:   "bare command",
			input:  "#help",
			want:   backend.Command{Name: "help", Raw: "#help"},
			wantOK: true,
		},
		{
			name:   "case insensitive name",
			input:  "  #HeLp  ",
			want:   backend.Command{Name: "help", Raw: "#HeLp"},
			wantOK: true,
		},
		{
			name:   "argument after first colon",
			input:  "#custom-role:you are: a cat",
			want:   backend.Command{Name: "custom-role", Arg: "you are: a cat", HasArg: true, Raw: "#custom-role:you are: a cat"},
			wantOK: true,
		},
		{
			name:   "empty argument",
			input:  "#role:",
			want:   backend.Command{Name: "role", HasArg: true, Raw: "#role:"},
			wantOK: true,
		},
		{
			name:   "sentinel only",
			input:  "#",
			want:   backend.Command{Raw: "#"},
			wantOK: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := command.Parse(tt.input)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}
