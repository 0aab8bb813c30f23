package testapp

import (
	"bytes"
	"testing"
	"time"

	"github.com/ethereum-optimism/infra/op-testhost/types"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		ok      bool
		wantErr bool
		want    Frame
	}{
		{name: "plain text", line: "hello world"},
		{name: "empty", line: "   "},
		{name: "json without type", line: `{"message":"x"}`},
		{name: "json array", line: `[1,2]`},
		{name: "broken json", line: `{"type":`},
		{
			name:    "unknown type",
			line:    `{"type":"telemetry"}`,
			ok:      true,
			wantErr: true,
			want:    Frame{Type: "telemetry"},
		},
		{
			name: "handshake",
			line: `{"type":"handshake","properties":{"ExecutionId":"e1","Architecture":"X64"}}`,
			ok:   true,
			want: Frame{Type: FrameHandshake, Properties: map[string]string{"ExecutionId": "e1", "Architecture": "X64"}},
		},
		{
			name: "results",
			line: `{"type":"test_results","execution_id":"e1","failed":[{"uid":"t","display_name":"T","error_message":"boom","duration_ms":20}]}`,
			ok:   true,
			want: Frame{
				Type:        FrameTestResults,
				ExecutionID: "e1",
				Failed:      []TestNode{{UID: "t", DisplayName: "T", ErrorMessage: "boom", DurationMs: 20}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := DecodeFrame([]byte(tt.line))
			assert.Equal(t, tt.ok, ok)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("DecodeFrame(%q) mismatch (-want +got):\n%s", tt.line, diff)
			}
		})
	}
}

func TestWriteFrameSingleLine(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Frame{Type: FrameError, Message: "multi\nline"}))

	out := buf.Bytes()
	assert.Equal(t, 1, bytes.Count(out, []byte("\n")))
	got, ok, err := DecodeFrame(out)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "multi\nline", got.Message)
}

func TestFrameResults(t *testing.T) {
	f := Frame{
		Type:       FrameTestResults,
		Successful: []TestNode{{UID: "a", DisplayName: "A", DurationMs: 1500}},
		Failed:     []TestNode{{UID: "b", DisplayName: "B", ErrorMessage: "bad", ErrorStackTrace: "trace"}},
	}

	want := []types.TestResult{
		{UID: "a", DisplayName: "A", Outcome: types.TestOutcomePassed, State: "passed", Duration: 1500 * time.Millisecond},
		{UID: "b", DisplayName: "B", Outcome: types.TestOutcomeFailed, State: "failed", ErrorMessage: "bad", ErrorStackTrace: "trace"},
	}
	if diff := cmp.Diff(want, f.results()); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}
}

func TestFrameHelpAndArtifacts(t *testing.T) {
	f := Frame{
		Module:    "M",
		Options:   []Option{{Name: "x", IsBuiltIn: true}},
		Artifacts: []Artifact{{FullPath: "/a", TestUID: "t1"}},
	}
	assert.Equal(t, types.HelpInfo{Module: "M", Options: []types.HelpOption{{Name: "x", IsBuiltIn: true}}}, f.help())
	assert.Equal(t, []types.FileArtifact{{FullPath: "/a", TestUID: "t1"}}, f.artifacts())
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "TestProcessExited", KindTestProcessExited.String())
	assert.Equal(t, "Unknown", Kind(0).String())
}
