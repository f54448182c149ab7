package notify

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/croc_campaign/internal/model"
)

func TestEscapeAppleScript(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"hello", "hello"},
		{`say "hello"`, `say \"hello\"`},
		{`path\to\file`, `path\\to\\file`},
		{"", ""},
	}
	for _, tt := range tests {
		if got := escapeAppleScript(tt.input); got != tt.want {
			t.Errorf("escapeAppleScript(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestDesktop_Command(t *testing.T) {
	var gotName string
	var gotArgs []string
	d := &Desktop{goos: "linux", run: func(_ context.Context, name string, args ...string) ([]byte, error) {
		gotName, gotArgs = name, args
		return nil, nil
	}}
	require.NoError(t, d.Notify(context.Background(), Message{Title: "Campaign fatal", Body: "watchdog lost"}))
	assert.Equal(t, "notify-send", gotName)
	assert.Equal(t, []string{"--urgency=critical", "Campaign fatal", "watchdog lost"}, gotArgs)

	d.goos = "darwin"
	name, args := d.command(Message{Title: `T"1`, Body: "b"})
	assert.Equal(t, "osascript", name)
	assert.Contains(t, args[1], `with title "T\\\"1"`)
}

func TestDesktop_RunFailure(t *testing.T) {
	d := &Desktop{goos: "linux", run: func(context.Context, string, ...string) ([]byte, error) {
		return []byte("no display\n"), errors.New("exit status 1")
	}}
	err := d.Notify(context.Background(), Message{Title: "x"})
	assert.ErrorContains(t, err, "no display")
}

func TestEmail_BuildsAttachment(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "log.csv")
	require.NoError(t, os.WriteFile(logPath, []byte("2024 03 05-14:07:09,scan,0,0,out\n"), 0644))

	e, err := NewEmail(model.EmailConfig{From: "lab@example.org", FromName: "Lab", To: []string{"a@example.org", "b@example.org"}}, "key")
	require.NoError(t, err)

	var sent *mail.SGMailV3
	e.send = func(m *mail.SGMailV3) (int, error) {
		sent = m
		return 202, nil
	}
	require.NoError(t, e.Notify(context.Background(), Message{Title: "Campaign fatal", Body: "details", Attachments: []string{logPath}}))

	require.NotNil(t, sent)
	assert.Equal(t, "Campaign fatal", sent.Subject)
	require.Len(t, sent.Personalizations, 1)
	assert.Len(t, sent.Personalizations[0].To, 2)
	require.Len(t, sent.Attachments, 1)
	assert.Equal(t, "log.csv", sent.Attachments[0].Filename)
	raw, err := base64.StdEncoding.DecodeString(sent.Attachments[0].Content)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "scan,0,0,out")
}

func TestEmail_Errors(t *testing.T) {
	_, err := NewEmail(model.EmailConfig{From: "lab@example.org"}, "key")
	assert.Error(t, err)

	e, err := NewEmail(model.EmailConfig{From: "lab@example.org", To: []string{"a@example.org"}}, "key")
	require.NoError(t, err)
	e.send = func(*mail.SGMailV3) (int, error) { return 401, nil }
	assert.ErrorContains(t, e.Notify(context.Background(), Message{Title: "x"}), "status 401")

	err = e.Notify(context.Background(), Message{Title: "x", Attachments: []string{"/nonexistent/log.csv"}})
	assert.Error(t, err)
}

type recorder struct {
	got []Message
	err error
}

func (r *recorder) Notify(_ context.Context, msg Message) error {
	r.got = append(r.got, msg)
	return r.err
}

func TestMultiAndQuiet(t *testing.T) {
	ok := &recorder{}
	bad := &recorder{err: errors.New("smtp down")}
	m := Multi{bad, ok}

	err := m.Notify(context.Background(), Message{Title: "t"})
	assert.ErrorContains(t, err, "smtp down")
	assert.Len(t, ok.got, 1, "later notifiers still run")

	assert.NoError(t, Quiet{N: m}.Notify(context.Background(), Message{Title: "t"}))
}

func TestFromConfig(t *testing.T) {
	env := map[string]string{"SENDGRID_API_KEY": "secret"}
	getenv := func(k string) string { return env[k] }

	n, err := FromConfig(model.NotifyConfig{Enabled: false}, getenv, nil)
	require.NoError(t, err)
	assert.NoError(t, n.Notify(context.Background(), Message{}))

	_, err = FromConfig(model.NotifyConfig{Enabled: true, Email: model.EmailConfig{
		Enabled: true, From: "lab@example.org", To: []string{"a@example.org"}, APIKeyEnv: "MISSING",
	}}, getenv, nil)
	assert.ErrorContains(t, err, "MISSING")

	n, err = FromConfig(model.NotifyConfig{Enabled: true, Email: model.EmailConfig{
		Enabled: true, From: "lab@example.org", To: []string{"a@example.org"}, APIKeyEnv: "SENDGRID_API_KEY",
	}}, getenv, nil)
	require.NoError(t, err)
	q, ok := n.(Quiet)
	require.True(t, ok)
	assert.Len(t, q.N.(Multi), 1)
}
