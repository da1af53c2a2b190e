package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/AeyeOps/elysiactl-sub001/common"
	"github.com/AeyeOps/elysiactl-sub001/ingest"
)

func TestMain(m *testing.M) {
	common.Logger.SetOutput(io.Discard)
	os.Exit(m.Run())
}

// runCLI executes the command tree the way a process invocation would and
// returns the exit code.
func runCLI(t *testing.T, args ...string) int {
	t.Helper()
	rootCmd.SetArgs(args)
	return Execute()
}

// runCLIOut is runCLI with command output captured.
func runCLIOut(t *testing.T, args ...string) (int, string) {
	t.Helper()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	t.Cleanup(func() { rootCmd.SetOut(nil) })
	rootCmd.SetArgs(args)
	code := Execute()
	return code, buf.String()
}

// restoreFlag resets one flag to its default when the test ends. Flag
// values persist across Execute calls within one process, so tests that
// point a flag at per-test resources must put it back.
func restoreFlag(t *testing.T, cmd *cobra.Command, name string) {
	t.Helper()
	f := cmd.Flags().Lookup(name)
	if f == nil {
		t.Fatalf("unknown flag %q", name)
	}
	t.Cleanup(func() {
		if err := f.Value.Set(f.DefValue); err != nil {
			t.Errorf("failed to restore flag %q: %v", name, err)
		}
	})
}

func TestExecuteUnknownCommandIsUsage(t *testing.T) {
	if code := runCLI(t, "frobnicate"); code != codeUsage {
		t.Errorf("exit code = %d, want %d", code, codeUsage)
	}
}

func TestExecuteUnknownFlagIsUsage(t *testing.T) {
	if code := runCLI(t, "sync", "--no-such-flag"); code != codeUsage {
		t.Errorf("exit code = %d, want %d", code, codeUsage)
	}
}

func TestExitErrorUnwraps(t *testing.T) {
	base := errors.New("boom")
	xe := &exitError{code: codeFatal, err: fmt.Errorf("wrapped: %w", base)}

	if !errors.Is(xe, base) {
		t.Error("expected exitError to unwrap to the base error")
	}
	if xe.Error() != "wrapped: boom" {
		t.Errorf("Error() = %q, want %q", xe.Error(), "wrapped: boom")
	}
}

func TestFailMapsConfigErrorsToUsage(t *testing.T) {
	if got := fail(fmt.Errorf("bad knob: %w", ingest.ErrInvalidConfig)).code; got != codeUsage {
		t.Errorf("config error code = %d, want %d", got, codeUsage)
	}
	if got := fail(fmt.Errorf("bad policy: %w", ingest.ErrInvalidRetryPolicy)).code; got != codeUsage {
		t.Errorf("policy error code = %d, want %d", got, codeUsage)
	}
	if got := fail(errors.New("disk exploded")).code; got != codeFatal {
		t.Errorf("runtime error code = %d, want %d", got, codeFatal)
	}
}

// The layering contract: flags beat environment, environment beats the
// config file, the config file beats flag defaults. The keys used here are
// deliberately ones no other test passes as flags.
func TestConfigLayering(t *testing.T) {
	dir := t.TempDir()
	cfg := "api-key: file-secret\ngrace: 42s\n"
	if err := os.WriteFile(filepath.Join(dir, ".elysiactl.yaml"), []byte(cfg), 0o644); err != nil {
		t.Fatalf("failed to write config fixture: %v", err)
	}

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to read working directory: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("failed to enter config directory: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(wd); err != nil {
			t.Errorf("failed to restore working directory: %v", err)
		}
	})

	t.Setenv("ELYSIACTL_API_KEY", "env-secret")

	if err := initConfig(); err != nil {
		t.Fatalf("initConfig failed: %v", err)
	}

	if got := viper.GetString("api-key"); got != "env-secret" {
		t.Errorf("api-key = %q, want env-secret (environment beats config file)", got)
	}
	if got := viper.GetDuration("grace"); got != 42*time.Second {
		t.Errorf("grace = %v, want 42s (config file beats flag default)", got)
	}
}
