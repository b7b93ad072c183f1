package app

import (
	"bytes"
	"os"
	"sync"
	"testing"

	"github.com/vk/gridforge/internal/config"
)

// SafeBuffer is a thread-safe buffer for capturing output in tests.
type SafeBuffer struct {
	b  bytes.Buffer
	mu sync.Mutex
}

func (b *SafeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

func (b *SafeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

// TestConfig returns the default configuration with the store in a
// temporary directory.
func TestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Store.Path = t.TempDir()
	cfg.Executor.Workers = 2
	return &cfg
}

// SetupAppTest creates an App logging at debug level into a buffer. The
// log is printed when GRIDFORGE_TEST_LOGS is true.
func SetupAppTest(t *testing.T, cfg *config.Config) (app *App, out *SafeBuffer, logs *SafeBuffer) {
	t.Helper()

	out, logs = &SafeBuffer{}, &SafeBuffer{}
	cfg.Log.Level = "debug"
	app = NewApp(out, logs, cfg)

	t.Cleanup(func() {
		if os.Getenv("GRIDFORGE_TEST_LOGS") == "true" {
			t.Logf("--- Full Log Output for %s ---\n%s", t.Name(), logs.String())
		}
	})
	return app, out, logs
}
