package clamav

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Sentinel errors
var (
	ErrNoThreatsInOutput = errors.New("malware detected but no threats found in output")
	ErrScanFailed        = errors.New("clamscan reported an error")
)

var databaseDateRegex = regexp.MustCompile(`ClamAV \d+\.\d+\.\d+/\d+/([A-Za-z]{3} [A-Za-z]{3}\s+\d+\s+\d+:\d+:\d+ \d{4})`)

// parseResult extracts scan results from clamscan output.
// Exit code 0 = clean, 1 = infected, 2+ = scanner error.
func parseResult(output []byte, exitCode int, version string) (Result, error) {
	if exitCode >= 2 {
		return Result{}, fmt.Errorf("%w (exit %d): %s", ErrScanFailed, exitCode, firstLine(string(output)))
	}

	result := Result{
		Clean: exitCode == 0,
		Metadata: Metadata{
			EngineVersion: version,
			DatabaseDate:  extractDatabaseDate(version),
		},
	}

	if !result.Clean {
		result.Threats = extractThreats(string(output))
		if len(result.Threats) == 0 {
			return result, ErrNoThreatsInOutput
		}
	}

	return result, nil
}

// extractThreats collects threat names from "<path>: <Threat-Name> FOUND" lines.
// The path may itself contain colons, so the last ": " separates it.
func extractThreats(output string) []string {
	var threats []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasSuffix(line, " FOUND") {
			continue
		}
		idx := strings.LastIndex(line, ": ")
		if idx < 0 {
			continue
		}
		name := strings.TrimSpace(strings.TrimSuffix(line[idx+2:], " FOUND"))
		if name != "" {
			threats = append(threats, name)
		}
	}
	return threats
}

// extractDatabaseDate parses the virus database date from a version string
// such as "ClamAV 1.5.1/27805/Mon Oct 27 09:50:30 2025".
func extractDatabaseDate(version string) string {
	if matches := databaseDateRegex.FindStringSubmatch(version); len(matches) >= 2 {
		return matches[1]
	}
	return "unknown"
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if line, _, ok := strings.Cut(s, "\n"); ok {
		return line
	}
	return s
}
