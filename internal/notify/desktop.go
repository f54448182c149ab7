package notify

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// Desktop shows a banner through osascript on macOS and notify-send
// elsewhere.
type Desktop struct {
	goos string
	run  func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func NewDesktop() *Desktop {
	return &Desktop{goos: runtime.GOOS, run: runCommand}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

func (d *Desktop) Notify(ctx context.Context, msg Message) error {
	name, args := d.command(msg)
	if out, err := d.run(ctx, name, args...); err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (d *Desktop) command(msg Message) (string, []string) {
	if d.goos == "darwin" {
		script := fmt.Sprintf(
			`display notification %q with title %q sound name "default"`,
			escapeAppleScript(msg.Body), escapeAppleScript(msg.Title),
		)
		return "osascript", []string{"-e", script}
	}
	return "notify-send", []string{"--urgency=critical", msg.Title, msg.Body}
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
