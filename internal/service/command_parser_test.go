package service

import (
	"testing"
)

func TestParseCommand_ValidSecretCommand(t *testing.T) {
	tests := []struct {
		name            string
		input           string
		expectedContent string
	}{
		{
			name:            "simple secret",
			input:           "/secret hello",
			expectedContent: "hello",
		},
		{
			name:            "uppercase prefix",
			input:           "/SECRET hello",
			expectedContent: "hello",
		},
		{
			name:            "keeps inner spacing",
			input:           "/secret meet me  at 9",
			expectedContent: "meet me  at 9",
		},
		{
			name:            "multiline content",
			input:           "/secret line one\nline two",
			expectedContent: "line one\nline two",
		},
		{
			name:            "tab separator",
			input:           "/secret\thello",
			expectedContent: "hello",
		},
		{
			name:            "leading whitespace",
			input:           "  /secret hello",
			expectedContent: "hello",
		},
		{
			name:            "bare command",
			input:           "/secret",
			expectedContent: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, isCommand := ParseCommand(tt.input)

			if !isCommand {
				t.Errorf("Expected to be recognized as command")
			}

			if cmd == nil {
				t.Fatal("Expected non-nil command")
			}

			if cmd.Type != CommandSecret {
				t.Errorf("Expected type %q, got %q", CommandSecret, cmd.Type)
			}

			if cmd.Content != tt.expectedContent {
				t.Errorf("Expected content %q, got %q", tt.expectedContent, cmd.Content)
			}
		})
	}
}

func TestParseCommand_NotACommand(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{
			name:  "regular message",
			input: "Hello, world!",
		},
		{
			name:  "prefix without slash",
			input: "secret hello",
		},
		{
			name:  "longer word",
			input: "/secretive hello",
		},
		{
			name:  "prefix in the middle",
			input: "this is /secret hello",
		},
		{
			name:  "other command",
			input: "/stock=AAPL.US",
		},
		{
			name:  "empty string",
			input: "",
		},
		{
			name:  "just slash",
			input: "/",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, isCommand := ParseCommand(tt.input)

			if isCommand {
				t.Errorf("Expected NOT to be recognized as command, got: %+v", cmd)
			}

			if cmd != nil {
				t.Errorf("Expected nil command, got: %+v", cmd)
			}
		})
	}
}

func TestResolveInput(t *testing.T) {
	tests := []struct {
		name          string
		input         string
		ephemeral     bool
		wantContent   string
		wantEphemeral bool
	}{
		{
			name:          "plain message keeps toggle off",
			input:         "hello",
			wantContent:   "hello",
			wantEphemeral: false,
		},
		{
			name:          "plain message keeps toggle on",
			input:         "hello",
			ephemeral:     true,
			wantContent:   "hello",
			wantEphemeral: true,
		},
		{
			name:          "secret command forces ephemeral",
			input:         "/secret hello",
			wantContent:   "hello",
			wantEphemeral: true,
		},
		{
			name:          "bare secret command yields empty content",
			input:         "/secret   ",
			wantContent:   "",
			wantEphemeral: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content, opts := ResolveInput(tt.input, SendOptions{Ephemeral: tt.ephemeral})

			if content != tt.wantContent {
				t.Errorf("Expected content %q, got %q", tt.wantContent, content)
			}
			if opts.Ephemeral != tt.wantEphemeral {
				t.Errorf("Expected ephemeral=%v, got %v", tt.wantEphemeral, opts.Ephemeral)
			}
		})
	}
}
