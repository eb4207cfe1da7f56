package graph

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Record is the wire shape of one node or edge in a collector shipment.
type Record struct {
	Type     string          `json:"type"`
	ID       string          `json:"id,omitempty"`
	Reported json.RawMessage `json:"reported,omitempty"`
	Desired  json.RawMessage `json:"desired,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
	Kinds    []string        `json:"kinds,omitempty"`
	From     string          `json:"from,omitempty"`
	To       string          `json:"to,omitempty"`
	EdgeType EdgeType        `json:"edge_type,omitempty"`
}

// NodeRecord renders a node as a wire record.
func NodeRecord(n *Node) Record {
	return Record{
		Type:     "node",
		ID:       n.ID,
		Reported: n.Reported,
		Desired:  n.Desired,
		Metadata: n.Metadata,
		Kinds:    n.Kinds,
	}
}

// EdgeRecord renders an edge as a wire record.
func EdgeRecord(e Edge) Record {
	return Record{Type: "edge", From: e.From, To: e.To, EdgeType: e.Type}
}

// ReadSubgraph decodes a shipment from r into a sealed Subgraph. Both
// ndjson (one record per line) and a single JSON array of records are
// accepted; the first non-space byte decides.
func ReadSubgraph(r io.Reader) (*Subgraph, error) {
	br := bufio.NewReaderSize(r, 64<<10)
	first, err := peekNonSpace(br)
	if err != nil {
		return nil, fmt.Errorf("empty merge body")
	}

	sub := NewSubgraph()
	if first == '[' {
		dec := json.NewDecoder(br)
		var records []Record
		if err := dec.Decode(&records); err != nil {
			return nil, fmt.Errorf("invalid record array: %w", err)
		}
		for i, rec := range records {
			if err := addRecord(sub, rec); err != nil {
				return nil, fmt.Errorf("record %d: %w", i, err)
			}
		}
	} else {
		scanner := bufio.NewScanner(br)
		scanner.Buffer(make([]byte, 0, 64<<10), 16<<20)
		line := 0
		for scanner.Scan() {
			line++
			text := strings.TrimSpace(scanner.Text())
			if text == "" {
				continue
			}
			var rec Record
			if err := json.Unmarshal([]byte(text), &rec); err != nil {
				return nil, fmt.Errorf("line %d: invalid record: %w", line, err)
			}
			if err := addRecord(sub, rec); err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("reading merge body: %w", err)
		}
	}

	if err := sub.Seal(); err != nil {
		return nil, err
	}
	return sub, nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.Peek(1)
		if err != nil {
			return 0, err
		}
		switch b[0] {
		case ' ', '\t', '\r', '\n':
			if _, err := br.ReadByte(); err != nil {
				return 0, err
			}
		default:
			return b[0], nil
		}
	}
}

func addRecord(sub *Subgraph, rec Record) error {
	switch rec.Type {
	case "node":
		return sub.AddNode(&Node{
			ID:       rec.ID,
			Kinds:    rec.Kinds,
			Reported: rec.Reported,
			Desired:  rec.Desired,
			Metadata: rec.Metadata,
		})
	case "edge":
		return sub.AddEdge(Edge{From: rec.From, To: rec.To, Type: rec.EdgeType})
	default:
		return fmt.Errorf("unknown record type %q", rec.Type)
	}
}
