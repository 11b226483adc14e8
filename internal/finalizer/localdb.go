package finalizer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mtakala/simq/internal/jsonfile"
)

// LocalDB finalizes runs into a directory-tree results database. Each
// simulation output folder carries a sibling mapping file
// <folder>_db_mapping.json (simulation name → database folder, written by the
// simulation script at export time); Finalize copies every simulation's
// result and input files into its database folder and refreshes metadata.
type LocalDB struct {
	// root resolves relative database folders from the mapping file.
	root   string
	logger *log.Logger
}

func NewLocalDB(root string, logger *log.Logger) *LocalDB {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &LocalDB{root: root, logger: logger}
}

func (l *LocalDB) Finalize(ctx context.Context, outputFolder string) error {
	info, err := os.Stat(outputFolder)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("output folder not found: %s", outputFolder)
	}

	mappingPath := filepath.Join(filepath.Dir(outputFolder),
		filepath.Base(outputFolder)+"_db_mapping.json")
	data, err := os.ReadFile(mappingPath)
	if err != nil {
		return fmt.Errorf("no database mapping file found at %s", mappingPath)
	}

	var mapping map[string]string
	if err := json.Unmarshal(data, &mapping); err != nil {
		return fmt.Errorf("parse database mapping %s: %w", mappingPath, err)
	}
	if len(mapping) == 0 {
		return fmt.Errorf("database mapping %s lists no simulations", mappingPath)
	}

	// Deterministic order for logs and tests.
	names := make([]string, 0, len(mapping))
	for name := range mapping {
		names = append(names, name)
	}
	sort.Strings(names)

	var sweepFolder string
	for i, name := range names {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("finalize cancelled: %w", err)
		}

		dbFolder := mapping[name]
		if !filepath.IsAbs(dbFolder) {
			dbFolder = filepath.Join(l.root, dbFolder)
		}
		if sweepFolder == "" {
			sweepFolder = filepath.Dir(dbFolder)
		}

		copied, err := l.finalizeSimulation(name, dbFolder, outputFolder)
		if err != nil {
			return fmt.Errorf("finalize %s: %w", name, err)
		}
		l.logger.Printf("[%d/%d] %s: copied %d files", i+1, len(names), name, copied)
	}

	// Sweep-level aggregated result files live next to the per-simulation
	// folders in the database.
	if err := l.copySweepResults(outputFolder, sweepFolder); err != nil {
		return err
	}
	return nil
}

// finalizeSimulation copies one simulation's result and input files into its
// database folder and marks its metadata completed. Existing destination
// files are never overwritten.
func (l *LocalDB) finalizeSimulation(simName, dbFolder, outputFolder string) (int, error) {
	entries, err := os.ReadDir(outputFolder)
	if err != nil {
		return 0, fmt.Errorf("read output folder: %w", err)
	}

	if err := os.MkdirAll(filepath.Join(dbFolder, "results"), 0755); err != nil {
		return 0, fmt.Errorf("create database folder: %w", err)
	}

	copied := 0
	for _, entry := range entries {
		if entry.IsDir() || !belongsToSimulation(entry.Name(), simName) {
			continue
		}

		src := filepath.Join(outputFolder, entry.Name())
		dst := filepath.Join(dbFolder, entry.Name())
		if isResultFile(entry.Name()) {
			dst = filepath.Join(dbFolder, "results", entry.Name())
		}

		if _, err := os.Stat(dst); err == nil {
			continue
		}
		if err := copyFile(src, dst); err != nil {
			return copied, fmt.Errorf("copy %s: %w", entry.Name(), err)
		}
		copied++
	}

	if err := l.markCompleted(dbFolder); err != nil {
		return copied, err
	}
	return copied, nil
}

// belongsToSimulation matches files by exact simulation-name prefix. A file
// for "sim_50" must not match "sim_500", so anything beyond the name must
// start with '_' or '.'.
func belongsToSimulation(fileName, simName string) bool {
	if !strings.HasPrefix(fileName, simName) {
		return false
	}
	rest := fileName[len(simName):]
	return strings.HasPrefix(rest, "_") || strings.HasPrefix(rest, ".")
}

func isResultFile(fileName string) bool {
	if strings.Contains(fileName, "results") || strings.Contains(fileName, "Matrix") {
		return true
	}
	switch filepath.Ext(fileName) {
	case ".s2p", ".csv":
		return true
	}
	return false
}

// markCompleted updates the simulation's metadata.json, if one exists.
func (l *LocalDB) markCompleted(dbFolder string) error {
	metadataPath := filepath.Join(dbFolder, "metadata.json")
	data, err := os.ReadFile(metadataPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read metadata: %w", err)
	}

	var metadata map[string]any
	if err := json.Unmarshal(data, &metadata); err != nil {
		return fmt.Errorf("parse metadata %s: %w", metadataPath, err)
	}
	metadata["status"] = "completed"
	metadata["completion_time"] = time.Now().Format(time.RFC3339)

	if err := jsonfile.AtomicWrite(metadataPath, metadata); err != nil {
		return fmt.Errorf("update metadata: %w", err)
	}
	return nil
}

func (l *LocalDB) copySweepResults(outputFolder, sweepFolder string) error {
	matches, err := filepath.Glob(filepath.Join(outputFolder, "*_results.csv"))
	if err != nil {
		return fmt.Errorf("scan sweep results: %w", err)
	}
	for _, src := range matches {
		dst := filepath.Join(sweepFolder, filepath.Base(src))
		if _, err := os.Stat(dst); err == nil {
			continue
		}
		if err := copyFile(src, dst); err != nil {
			return fmt.Errorf("copy sweep result %s: %w", filepath.Base(src), err)
		}
		l.logger.Printf("copied sweep result %s", filepath.Base(src))
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
