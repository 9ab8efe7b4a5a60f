package aflpp

import (
	"bufio"
	"fmt"
	"fuzzhub/internal/fuzz"
	"io"
	"strconv"
	"strings"
)

type fuzzerStats map[string]string

// parseFuzzerStats reads "key : value" lines from a fuzzer_stats file.
func parseFuzzerStats(r io.Reader) (fuzzerStats, error) {
	stats := make(fuzzerStats)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		stats[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanner error: %w", err)
	}
	return stats, nil
}

func (s fuzzerStats) metrics() *fuzz.Metrics {
	crashes := s.int("saved_crashes")
	if _, ok := s["saved_crashes"]; !ok {
		// AFL++ before 4.0
		crashes = s.int("unique_crashes")
	}
	return &fuzz.Metrics{
		ExecPerSec:   s.float("execs_per_sec"),
		CorpusSize:   s.int("corpus_count"),
		Coverage:     s.float("bitmap_cvg"),
		CrashesFound: crashes,
	}
}

func (s fuzzerStats) float(key string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSuffix(s[key], "%"), 64)
	if err != nil {
		return 0
	}
	return v
}

func (s fuzzerStats) int(key string) int {
	v, err := strconv.Atoi(s[key])
	if err != nil {
		return 0
	}
	return v
}
