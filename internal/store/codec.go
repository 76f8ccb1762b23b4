package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/aristath/taskgraph/internal/scheduler"
)

// maxRecordSize bounds a single task line. Logs can get long.
const maxRecordSize = 16 << 20

// encodeGraph writes one JSON task record per line in creation order.
func encodeGraph(g *scheduler.Graph) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, task := range g.Tasks() {
		if err := enc.Encode(task); err != nil {
			return nil, fmt.Errorf("encoding task %q: %w", task.ID, err)
		}
	}
	return buf.Bytes(), nil
}

// decodeGraph reads records written by encodeGraph. Blank lines are skipped
// so hand-edited files stay loadable.
func decodeGraph(r io.Reader) (*scheduler.Graph, error) {
	g := scheduler.NewGraph()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordSize)

	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		var task scheduler.Task
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&task); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if err := g.Add(&task); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading records: %w", err)
	}
	return g, nil
}
