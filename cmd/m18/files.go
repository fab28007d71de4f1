package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/algomatic/m18/pkg/dataio"
	"github.com/algomatic/m18/pkg/types"
)

// readFile opens path and hands it to parse.
func readFile[T any](path string, parse func(io.Reader) (T, error)) (T, error) {
	var zero T
	f, err := os.Open(path)
	if err != nil {
		return zero, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	v, err := parse(bufio.NewReader(f))
	if err != nil {
		return zero, fmt.Errorf("reading %s: %w", path, err)
	}
	return v, nil
}

// writeFile writes through write to path, or to stdout when path is empty
// or "-". The file is replaced only after a successful write.
func writeFile(path string, write func(io.Writer) error) error {
	if path == "" || path == "-" {
		w := bufio.NewWriter(os.Stdout)
		if err := write(w); err != nil {
			return err
		}
		return w.Flush()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".m18-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	if err := write(w); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("renaming %s: %w", path, err)
	}
	return nil
}

func loadBars(path string) (map[string][]types.IndicatorBar, error) {
	return readFile(path, dataio.ReadIndicatorBars)
}

// loadLevels reads a levels table. An empty path gives an empty index, so
// every bar falls back to the neutral level.
func loadLevels(path string) ([]types.RegimeLevel, types.LevelIndex, error) {
	if path == "" {
		return nil, types.NewLevelIndex(nil), nil
	}
	levels, err := readFile(path, dataio.ReadRegimeLevels)
	if err != nil {
		return nil, nil, err
	}
	return levels, types.NewLevelIndex(levels), nil
}

func loadBreakouts(path string) ([]types.BreakoutEvent, error) {
	return readFile(path, dataio.ReadBreakouts)
}
