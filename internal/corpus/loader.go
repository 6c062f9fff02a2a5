package corpus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"riacouncil/internal/logging"
)

// LoadJSONL reads chunk records from a JSONL stream produced by the
// document-ingestion pipeline. Every record is validated against the closed
// sets; a single bad record fails the load so taxonomy drift is caught at
// ingestion time.
func LoadJSONL(r io.Reader) ([]Chunk, error) {
	timer := logging.StartTimer(logging.CategoryCorpus, "LoadJSONL")
	defer timer.Stop()

	var chunks []Chunk
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var c Chunk
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("line %d: malformed chunk record: %w", line, err)
		}
		if c.TokenCount == 0 {
			c.TokenCount = EstimateTokens(c.Content)
		}
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		chunks = append(chunks, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read chunk stream: %w", err)
	}

	logging.Corpus("Loaded %d chunks from JSONL stream", len(chunks))
	return chunks, nil
}

// LoadJSONLFile reads chunk records from a JSONL file on disk.
func LoadJSONLFile(path string) ([]Chunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open corpus file: %w", err)
	}
	defer f.Close()
	return LoadJSONL(f)
}
