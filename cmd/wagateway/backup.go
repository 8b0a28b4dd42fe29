package main

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// Archive layout. Session profile files keep their relative paths under
// sessionPrefix.
const (
	configPrefix  = "config/"
	journalPrefix = "journal/"
	sessionPrefix = "session/"
)

// backupEntry maps a file on disk to its name inside the archive.
type backupEntry struct {
	Path string
	Name string
}

// restoreTargets are the on-disk destinations for each archive section.
type restoreTargets struct {
	ConfigPath  string
	JournalPath string
	SessionDir  string
}

func backupCmd() *cobra.Command {
	var (
		outputPath  string
		skipSession bool
	)

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up the config, delivery journal, and WhatsApp session",
		Long: `Creates a compressed .tar.gz archive containing the configuration file,
the delivery journal, and the Chrome profile that holds the paired session.
Restoring the session on another host avoids a new pairing. Stop the gateway first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg := loadConfigOrDefaults()

			if outputPath == "" {
				backupDir := filepath.Join(cfg.General.DataDir, "backups")
				if err := os.MkdirAll(backupDir, 0o700); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("wagateway-backup-%s.tar.gz", ts))
			}

			sessionDir := cfg.Session.DataPath
			if skipSession {
				sessionDir = ""
			}
			entries, err := collectBackup(cfgPath, cfg.Journal.DBPath, sessionDir)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return fmt.Errorf("no files to backup (config: %s, journal: %s)", cfgPath, cfg.Journal.DBPath)
			}

			total, err := createTarGz(outputPath, entries)
			if err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Printf("Backup created: %s\n", outputPath)
			fmt.Printf("Files included: %d (%s)\n", len(entries), humanize.IBytes(uint64(total)))
			for _, e := range entries {
				if strings.HasPrefix(e.Name, sessionPrefix) {
					continue
				}
				size := int64(0)
				if info, err := os.Stat(e.Path); err == nil {
					size = info.Size()
				}
				fmt.Printf("  - %s (%s)\n", e.Name, humanize.IBytes(uint64(size)))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: <dataDir>/backups/wagateway-backup-<timestamp>.tar.gz)")
	cmd.Flags().BoolVar(&skipSession, "skip-session", false, "leave the Chrome session profile out of the archive")
	return cmd
}

func restoreCmd() *cobra.Command {
	var inputPath string
	var force bool

	cmd := &cobra.Command{
		Use:   "restore [file.tar.gz]",
		Short: "Restore wagateway data from a backup archive",
		Long: `Restores the configuration file, the delivery journal, and the session
profile from a .tar.gz archive created by 'wagateway backup'.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if inputPath == "" && len(args) > 0 {
				inputPath = args[0]
			}
			if inputPath == "" {
				return fmt.Errorf("specify a backup file: wagateway restore <file.tar.gz>")
			}

			cfg := loadConfigOrDefaults()
			targets := restoreTargets{
				ConfigPath:  resolveConfigPath(),
				JournalPath: cfg.Journal.DBPath,
				SessionDir:  cfg.Session.DataPath,
			}

			if !force {
				existing := false
				for _, p := range []string{targets.ConfigPath, targets.JournalPath, targets.SessionDir} {
					if _, err := os.Stat(p); err == nil {
						existing = true
					}
				}
				if existing {
					fmt.Printf("WARNING: This will overwrite existing data.\n")
					fmt.Printf("  Config:  %s\n", targets.ConfigPath)
					fmt.Printf("  Journal: %s\n", targets.JournalPath)
					fmt.Printf("  Session: %s\n", targets.SessionDir)
					fmt.Printf("Use --force to skip this warning.\n")
					return fmt.Errorf("restore aborted (use --force to proceed)")
				}
			}

			restored, err := extractTarGz(inputPath, targets)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}

			fmt.Printf("Restore completed from: %s\n", inputPath)
			fmt.Printf("Files restored: %d\n", len(restored))
			for _, f := range restored {
				if strings.HasPrefix(f, targets.SessionDir+string(filepath.Separator)) {
					continue
				}
				fmt.Printf("  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&inputPath, "input", "i", "", "backup file to restore from")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data without warning")
	return cmd
}

// collectBackup lists the files to archive. Missing sources are skipped.
// An empty sessionDir leaves the profile out.
func collectBackup(cfgPath, journalPath, sessionDir string) ([]backupEntry, error) {
	var entries []backupEntry

	if _, err := os.Stat(cfgPath); err == nil {
		entries = append(entries, backupEntry{Path: cfgPath, Name: configPrefix + filepath.Base(cfgPath)})
	}

	if _, err := os.Stat(journalPath); err == nil {
		entries = append(entries, backupEntry{Path: journalPath, Name: journalPrefix + filepath.Base(journalPath)})
		for _, suffix := range []string{"-wal", "-shm"} {
			if _, err := os.Stat(journalPath + suffix); err == nil {
				entries = append(entries, backupEntry{Path: journalPath + suffix, Name: journalPrefix + filepath.Base(journalPath) + suffix})
			}
		}
	}

	if sessionDir == "" {
		return entries, nil
	}
	if _, err := os.Stat(sessionDir); err != nil {
		return entries, nil
	}
	err := filepath.WalkDir(sessionDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		// Chrome holds these locks while running; they are meaningless in a copy.
		switch d.Name() {
		case "SingletonLock", "SingletonSocket", "SingletonCookie":
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(sessionDir, p)
		if err != nil {
			return err
		}
		entries = append(entries, backupEntry{Path: p, Name: sessionPrefix + filepath.ToSlash(rel)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk session dir: %w", err)
	}
	return entries, nil
}

// createTarGz writes entries into a .tar.gz and returns the uncompressed size.
func createTarGz(outputPath string, entries []backupEntry) (int64, error) {
	outFile, err := os.OpenFile(outputPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	defer outFile.Close()

	gzWriter := gzip.NewWriter(outFile)
	tarWriter := tar.NewWriter(gzWriter)

	var total int64
	for _, e := range entries {
		n, err := addFileToTar(tarWriter, e)
		if err != nil {
			return 0, fmt.Errorf("add %s: %w", e.Path, err)
		}
		total += n
	}

	if err := tarWriter.Close(); err != nil {
		return 0, err
	}
	if err := gzWriter.Close(); err != nil {
		return 0, err
	}
	return total, outFile.Close()
}

func addFileToTar(tw *tar.Writer, e backupEntry) (int64, error) {
	file, err := os.Open(e.Path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return 0, err
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return 0, err
	}
	header.Name = e.Name

	if err := tw.WriteHeader(header); err != nil {
		return 0, err
	}
	return io.Copy(tw, file)
}

// extractTarGz restores each archive section to its target. Entries outside
// the known sections, or escaping the session dir, are rejected.
func extractTarGz(archivePath string, t restoreTargets) ([]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	var restored []string

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		targetPath, err := restorePath(header.Name, t)
		if err != nil {
			return nil, err
		}

		if err := os.MkdirAll(filepath.Dir(targetPath), 0o700); err != nil {
			return nil, err
		}
		outFile, err := os.OpenFile(targetPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", targetPath, err)
		}
		if _, err := io.Copy(outFile, tarReader); err != nil {
			outFile.Close()
			return nil, fmt.Errorf("extract %s: %w", targetPath, err)
		}
		outFile.Close()

		restored = append(restored, targetPath)
	}

	return restored, nil
}

func restorePath(name string, t restoreTargets) (string, error) {
	switch {
	case strings.HasPrefix(name, configPrefix):
		return t.ConfigPath, nil
	case strings.HasPrefix(name, journalPrefix):
		base := strings.TrimPrefix(name, journalPrefix)
		for _, suffix := range []string{"-wal", "-shm"} {
			if strings.HasSuffix(base, suffix) {
				return t.JournalPath + suffix, nil
			}
		}
		return t.JournalPath, nil
	case strings.HasPrefix(name, sessionPrefix):
		rel := path.Clean(strings.TrimPrefix(name, sessionPrefix))
		if rel == "." || path.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, "../") {
			return "", fmt.Errorf("unsafe archive entry: %s", name)
		}
		return filepath.Join(t.SessionDir, filepath.FromSlash(rel)), nil
	default:
		return "", fmt.Errorf("unexpected archive entry: %s", name)
	}
}
