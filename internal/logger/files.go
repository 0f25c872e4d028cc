package logger

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// LogFileInfo represents information about a log file
type LogFileInfo struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	Date      string    `json:"date"`
	CreatedAt time.Time `json:"createdAt"`
	IsBackup  bool      `json:"isBackup"`
}

// ParsedLogEntry represents a parsed log entry from file
type ParsedLogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Raw       string                 `json:"raw"` // Original raw line
}

// LogFileFilter contains filter options for reading log files
type LogFileFilter struct {
	Level     string    `json:"level"`     // Filter by log level
	Search    string    `json:"search"`    // Search in message
	Offset    int       `json:"offset"`    // Skip N entries
	Limit     int       `json:"limit"`     // Max N entries (0 = unlimited)
	StartTime time.Time `json:"startTime"` // Filter by start time
	EndTime   time.Time `json:"endTime"`   // Filter by end time
}

// Active: fetchd-{date}.log
// Backup: fetchd-{date}-{timestamp}-{reason}.log, optionally gzipped
var logFilePattern = regexp.MustCompile(`^fetchd-(\d{4}-\d{2}-\d{2})(?:-(\d{8}-\d{6})-([a-z]+))?\.log(\.gz)?$`)

// SafeLogFileName reports whether name is a bare file name produced by this
// package's rotation scheme. Anything with path separators is rejected.
func SafeLogFileName(name string) bool {
	if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return false
	}
	return logFilePattern.MatchString(name)
}

// ListLogFiles lists all available log files in the log directory
func ListLogFiles(logDir string) ([]LogFileInfo, error) {
	if logDir == "" {
		return nil, fmt.Errorf("log directory not configured")
	}

	// Ensure log directory exists
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("cannot access log directory: %w", err)
	}

	files, err := os.ReadDir(logDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read log directory: %w", err)
	}

	var logFiles []LogFileInfo

	for _, file := range files {
		if file.IsDir() {
			continue
		}

		name := file.Name()
		matches := logFilePattern.FindStringSubmatch(name)
		if matches == nil {
			continue
		}

		info, err := file.Info()
		if err != nil {
			continue
		}

		logFiles = append(logFiles, LogFileInfo{
			Name:      name,
			Path:      filepath.Join(logDir, name),
			Size:      info.Size(),
			Date:      matches[1],
			CreatedAt: info.ModTime(),
			IsBackup:  matches[2] != "",
		})
	}

	// Sort by creation time (newest first)
	sort.Slice(logFiles, func(i, j int) bool {
		return logFiles[i].CreatedAt.After(logFiles[j].CreatedAt)
	})

	return logFiles, nil
}

// ReadLogFile reads a log file and returns filtered entries.
// Gzipped backups are decompressed transparently.
func ReadLogFile(logPath string, filter LogFileFilter) ([]ParsedLogEntry, error) {
	file, err := os.Open(logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	var reader io.Reader = file
	if strings.HasSuffix(logPath, ".gz") {
		gz, err := gzip.NewReader(file)
		if err != nil {
			return nil, fmt.Errorf("failed to open compressed log file: %w", err)
		}
		defer gz.Close()
		reader = gz
	}

	var entries []ParsedLogEntry
	scanner := bufio.NewScanner(reader)

	// Read and parse lines
	for scanner.Scan() {
		line := scanner.Text()
		entry := parseLogLine(line)
		if entry == nil {
			continue
		}

		// Apply filters
		if !matchesFilter(entry, filter) {
			continue
		}

		entries = append(entries, *entry)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}

	// Apply pagination
	if filter.Offset > 0 {
		if filter.Offset >= len(entries) {
			return []ParsedLogEntry{}, nil
		}
		entries = entries[filter.Offset:]
	}

	if filter.Limit > 0 && filter.Limit < len(entries) {
		entries = entries[:filter.Limit]
	}

	return entries, nil
}

// GetLogFileStats returns per-level entry counts for a log file
func GetLogFileStats(logPath string) (map[string]int, error) {
	entries, err := ReadLogFile(logPath, LogFileFilter{})
	if err != nil {
		return nil, err
	}

	stats := make(map[string]int)
	total := 0

	for _, entry := range entries {
		level := strings.ToUpper(entry.Level)
		stats[level]++
		total++
	}

	stats["total"] = total
	return stats, nil
}

var textLinePattern = regexp.MustCompile(`^\[\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\] (\w+) (.+)`)

// parseLogLine parses a log line into a ParsedLogEntry
func parseLogLine(line string) *ParsedLogEntry {
	if line == "" {
		return nil
	}

	entry := &ParsedLogEntry{
		Fields: make(map[string]interface{}),
		Raw:    line,
	}

	// Try JSON format first
	if strings.HasPrefix(line, "{") {
		if err := parseJSONLogLine(line, entry); err == nil {
			return entry
		}
	}

	// Try text format: [2026-08-25 10:17:51] INFO message k=v
	matches := textLinePattern.FindStringSubmatch(line)
	if matches != nil {
		// Extract timestamp from the original line
		timestampStr := line[1:20] // Skip '[' and take exactly "YYYY-MM-DD HH:MM:SS"
		if timestamp, err := time.Parse("2006-01-02 15:04:05", timestampStr); err == nil {
			entry.Timestamp = timestamp
		}
		entry.Level = strings.ToUpper(matches[1])
		entry.Message = matches[2]

		// Parse key=value fields from message
		parseTextFields(entry.Message, entry.Fields)

		return entry
	}

	// Fallback: treat as simple message
	entry.Level = "INFO"
	entry.Message = line
	entry.Timestamp = time.Now()

	return entry
}

// parseJSONLogLine parses a JSON format log line
func parseJSONLogLine(line string, entry *ParsedLogEntry) error {
	// Regex extraction instead of encoding/json; log lines are flat
	// string-valued objects
	fields := make(map[string]string)

	pattern := regexp.MustCompile(`"(\w+)"\s*:\s*"([^"]*)"`)
	matches := pattern.FindAllStringSubmatch(line, -1)

	for _, match := range matches {
		if len(match) == 3 {
			fields[match[1]] = match[2]
		}
	}

	// Map fields
	if t, ok := fields["time"]; ok {
		formats := []string{
			time.RFC3339,
			"2006-01-02 15:04:05",
		}
		for _, format := range formats {
			if timestamp, err := time.Parse(format, t); err == nil {
				entry.Timestamp = timestamp
				break
			}
		}
	}
	if l, ok := fields["level"]; ok {
		entry.Level = strings.ToUpper(l)
	}
	if m, ok := fields["msg"]; ok {
		entry.Message = m
	}

	// Store other fields
	for k, v := range fields {
		if k != "time" && k != "level" && k != "msg" {
			entry.Fields[k] = v
		}
	}

	return nil
}

// parseTextFields extracts key=value pairs from message text
func parseTextFields(message string, fields map[string]interface{}) {
	// Pattern: key=value or key="value"
	pattern := regexp.MustCompile(`(\w+)=("[^"]*"|[\w\-./]+)`)
	matches := pattern.FindAllStringSubmatch(message, -1)

	for _, match := range matches {
		if len(match) == 3 {
			key := match[1]
			value := strings.Trim(match[2], `"`)
			fields[key] = value
		}
	}
}

// matchesFilter checks if a log entry matches the given filter
func matchesFilter(entry *ParsedLogEntry, filter LogFileFilter) bool {
	// Level filter
	if filter.Level != "" && !strings.EqualFold(entry.Level, filter.Level) {
		return false
	}

	// Search filter
	if filter.Search != "" {
		searchLower := strings.ToLower(filter.Search)
		if !strings.Contains(strings.ToLower(entry.Message), searchLower) {
			return false
		}
	}

	// Time range filter
	if !filter.StartTime.IsZero() && entry.Timestamp.Before(filter.StartTime) {
		return false
	}
	if !filter.EndTime.IsZero() && entry.Timestamp.After(filter.EndTime) {
		return false
	}

	return true
}
