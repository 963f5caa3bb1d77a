// Package logging provides structured logging with slog for stampd.
package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileRotator handles log file rotation based on size and age.
type FileRotator struct {
	config     *Config
	file       *os.File
	size       int64
	mu         sync.Mutex
	lastRotate time.Time
}

// NewFileRotator creates a new file rotator.
func NewFileRotator(cfg *Config) (*FileRotator, error) {
	if cfg.FilePath == "" {
		return nil, fmt.Errorf("file path is required")
	}

	// Create directory if it doesn't exist
	dir := filepath.Dir(cfg.FilePath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	r := &FileRotator{
		config:     cfg,
		lastRotate: time.Now(),
	}

	if err := r.openFile(); err != nil {
		return nil, err
	}

	return r, nil
}

// Write implements io.Writer.
func (r *FileRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shouldRotate(int64(len(p))) {
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log file: %w", err)
		}
	}

	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

// shouldRotate determines if the log file should be rotated.
func (r *FileRotator) shouldRotate(writeSize int64) bool {
	// Check size limit
	if r.config.MaxSize > 0 {
		maxBytes := r.config.MaxSize * 1024 * 1024
		if r.size+writeSize > maxBytes {
			return true
		}
	}

	// Check daily rotation
	now := time.Now()
	if now.Day() != r.lastRotate.Day() || now.Month() != r.lastRotate.Month() || now.Year() != r.lastRotate.Year() {
		return true
	}

	return false
}

// rotate performs log rotation.
func (r *FileRotator) rotate() error {
	// Close current file
	if r.file != nil {
		if err := r.file.Close(); err != nil {
			return fmt.Errorf("close current log file: %w", err)
		}
	}

	// Generate rotated filename with timestamp
	timestamp := time.Now().Format("20060102-150405")
	ext := filepath.Ext(r.config.FilePath)
	base := strings.TrimSuffix(r.config.FilePath, ext)
	rotatedPath := fmt.Sprintf("%s-%s%s", base, timestamp, ext)

	// Rename current file
	if err := os.Rename(r.config.FilePath, rotatedPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename log file: %w", err)
	}

	// Compress rotated file if enabled
	if r.config.Compress {
		go r.compressFile(rotatedPath)
	}

	// Clean up old files
	go r.cleanup()

	// Open new file
	if err := r.openFile(); err != nil {
		return err
	}

	r.lastRotate = time.Now()
	return nil
}

// openFile opens the log file for writing.
func (r *FileRotator) openFile() error {
	file, err := os.OpenFile(r.config.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}

	r.file = file
	r.size = info.Size()
	return nil
}

// compressFile compresses a rotated log file.
func (r *FileRotator) compressFile(path string) {
	source, err := os.Open(path)
	if err != nil {
		return
	}
	defer source.Close()

	compressed, err := os.Create(path + ".gz")
	if err != nil {
		return
	}
	defer compressed.Close()

	gz := gzip.NewWriter(compressed)
	defer gz.Close()

	if _, err := io.Copy(gz, source); err != nil {
		os.Remove(path + ".gz")
		return
	}

	// Remove original after successful compression
	os.Remove(path)
}

// cleanup removes old log files based on MaxBackups and MaxAge.
func (r *FileRotator) cleanup() {
	dir := filepath.Dir(r.config.FilePath)
	base := filepath.Base(r.config.FilePath)
	ext := filepath.Ext(base)
	prefix := strings.TrimSuffix(base, ext)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	// Collect rotated log files
	type logFile struct {
		path    string
		modTime time.Time
	}
	var files []logFile

	for _, entry := range entries {
		name := entry.Name()
		if name == base {
			continue
		}
		if !strings.HasPrefix(name, prefix+"-") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, logFile{
			path:    filepath.Join(dir, name),
			modTime: info.ModTime(),
		})
	}

	// Sort newest first
	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.After(files[j].modTime)
	})

	// Remove files beyond MaxBackups
	if r.config.MaxBackups > 0 && len(files) > r.config.MaxBackups {
		for _, f := range files[r.config.MaxBackups:] {
			os.Remove(f.path)
		}
		files = files[:r.config.MaxBackups]
	}

	// MaxAge <= 0 keeps rotated files regardless of age
	if r.config.MaxAge > 0 {
		cutoff := time.Now().AddDate(0, 0, -r.config.MaxAge)
		for _, f := range files {
			if f.modTime.Before(cutoff) {
				os.Remove(f.path)
			}
		}
	}
}

// Close closes the file rotator.
func (r *FileRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// Sync flushes the file to disk.
func (r *FileRotator) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		return r.file.Sync()
	}
	return nil
}

// GetLogFiles returns a list of all log files including rotated ones.
func (r *FileRotator) GetLogFiles() ([]string, error) {
	dir := filepath.Dir(r.config.FilePath)
	base := filepath.Base(r.config.FilePath)
	ext := filepath.Ext(base)
	prefix := strings.TrimSuffix(base, ext)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read log directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		name := entry.Name()
		if name == base || strings.HasPrefix(name, prefix+"-") {
			files = append(files, filepath.Join(dir, name))
		}
	}

	sort.Strings(files)
	return files, nil
}
