package watchdog

import (
	"fmt"
	"os"
	"path/filepath"
)

// CommandSpawner starts each watchdog from its command line, appending its
// output to logs/watchdog-<name>.log under logDir.
func CommandSpawner(commands map[string][]string, dir, logDir string) Spawner {
	return func(name string) (Handle, error) {
		args, ok := commands[name]
		if !ok || len(args) == 0 {
			return nil, fmt.Errorf("no command configured for watchdog %q", name)
		}
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(logDir, "watchdog-"+name+".log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open watchdog log: %w", err)
		}
		// The child holds its own descriptor once started.
		defer f.Close()
		return StartProcess(args, dir, f)
	}
}
