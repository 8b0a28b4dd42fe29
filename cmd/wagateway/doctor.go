package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"wagateway/internal/config"
	"wagateway/internal/store"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your wagateway installation",
		Long: `Verifies that the configuration, Chrome, the session profile, the delivery
journal, and the upload directory are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("wagateway doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				printWarn("Config file", fmt.Sprintf("not found at %s, using defaults and environment (run 'wagateway init')", cfgPath))
				warned++
			} else {
				printPass("Config file", cfgPath)
				passed++
			}

			// 2. Config loads and validates
			cfg, err := config.LoadOrDefault(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				fmt.Printf("\n%d passed, %d warnings, 1 failed\n", passed, warned)
				return fmt.Errorf("config invalid")
			}
			printPass("Config validation", "valid")
			passed++

			// 3. Chrome
			if bin, err := findChrome(cfg.Session.ChromePath); err != nil {
				printFail("Chrome", err.Error())
				failed++
			} else {
				printPass("Chrome", bin)
				passed++
			}

			// 4. Session profile
			if info, err := os.Stat(cfg.Session.DataPath); err != nil {
				printWarn("Session profile", fmt.Sprintf("not found: %s (a new pairing will be required)", cfg.Session.DataPath))
				warned++
			} else if !info.IsDir() {
				printFail("Session profile", fmt.Sprintf("not a directory: %s", cfg.Session.DataPath))
				failed++
			} else {
				printPass("Session profile", cfg.Session.DataPath)
				passed++
			}

			// 5. Journal writable
			if cfg.Journal.Enabled {
				if err := checkJournal(cfg.Journal.DBPath); err != nil {
					printFail("Journal", err.Error())
					failed++
				} else {
					printPass("Journal", cfg.Journal.DBPath)
					passed++
				}
			} else {
				printWarn("Journal", "disabled (GET /messages will return 404)")
				warned++
			}

			// 6. Upload directory
			if n, size, err := checkUploads(cfg.Uploads.Dir); err != nil {
				printFail("Uploads", err.Error())
				failed++
			} else {
				printPass("Uploads", fmt.Sprintf("%s (%d files, %s)", cfg.Uploads.Dir, n, humanize.IBytes(uint64(size))))
				passed++
			}

			// 7. HTTP port
			if err := checkPort(cfg.HTTP.Addr()); err != nil {
				printWarn("HTTP port", fmt.Sprintf("%s may be in use: %v", cfg.HTTP.Addr(), err))
				warned++
			} else {
				printPass("HTTP port", cfg.HTTP.Addr()+" available")
				passed++
			}

			// 8. API key
			if cfg.HTTP.APIKey == "" {
				printWarn("API key", "not set, the HTTP API is unauthenticated")
				warned++
			} else {
				printPass("API key", "configured")
				passed++
			}

			// 9. Log file writable
			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", cfg.General.LogFile)
					passed++
				}
			}

			// Summary
			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running the gateway.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nThe gateway should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! Run 'wagateway gateway' to start.\n")
			}
			return nil
		},
	}
}

var chromeCandidates = []string{
	"google-chrome",
	"google-chrome-stable",
	"chromium",
	"chromium-browser",
	"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
}

// findChrome resolves the browser chromedp will launch.
func findChrome(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("chromePath not found: %s", explicit)
		}
		return explicit, nil
	}
	for _, c := range chromeCandidates {
		if p, err := exec.LookPath(c); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no Chrome or Chromium found in PATH (set session.chromePath)")
}

// checkJournal opens the journal the same way the gateway does, which also
// applies migrations, and runs a ping.
func checkJournal(dbPath string) error {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	j, err := store.Open(dbPath, quiet)
	if err != nil {
		return err
	}
	defer j.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := j.Ping(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	return nil
}

func checkUploads(dir string) (int, int64, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return 0, 0, fmt.Errorf("cannot create %s: %w", dir, err)
	}
	probe, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return 0, 0, fmt.Errorf("not writable: %w", err)
	}
	probe.Close()
	os.Remove(probe.Name())

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, 0, err
	}
	var (
		n    int
		size int64
	)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if info, err := e.Info(); err == nil {
			n++
			size += info.Size()
		}
	}
	return n, size, nil
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
