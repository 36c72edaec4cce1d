// Package keyfile parses the long-lived client key file format spec.md
// §6 describes as "text-parseable records": one client per
// non-blank, non-comment line.
package keyfile

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/stagecast/stagecast/internal/wire"
)

// Record is one parsed key-file line: a client's identity and its
// long-lived AEAD key pair.
type Record struct {
	Name string
	ID   uint8
	Keys wire.KeyPair
}

// Load reads and parses every record from the key file at path.
func Load(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("keyfile: opening %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads key-file records from r. Each non-blank, non-'#'-prefixed
// line must have the form:
//
//	<name> <id> <downlink-hex32> <uplink-hex32>
//
// where id is a decimal byte and each hex field is exactly 64 hex
// characters (32 bytes).
func Parse(r io.Reader) ([]Record, error) {
	var records []Record
	seen := make(map[uint8]string)

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		rec, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("keyfile: line %d: %w", lineNo, err)
		}
		if prev, ok := seen[rec.ID]; ok {
			return nil, fmt.Errorf("keyfile: line %d: duplicate client id %d (already used by %q)", lineNo, rec.ID, prev)
		}
		seen[rec.ID] = rec.Name
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("keyfile: reading: %w", err)
	}
	return records, nil
}

func parseLine(line string) (Record, error) {
	fields := strings.Fields(line)
	if len(fields) != 4 {
		return Record{}, fmt.Errorf("expected 4 fields (name id downlink uplink), got %d", len(fields))
	}

	id64, err := strconv.ParseUint(fields[1], 10, 8)
	if err != nil {
		return Record{}, fmt.Errorf("invalid client id %q: %w", fields[1], err)
	}

	downlink, err := parseHexKey(fields[2])
	if err != nil {
		return Record{}, fmt.Errorf("invalid downlink key: %w", err)
	}
	uplink, err := parseHexKey(fields[3])
	if err != nil {
		return Record{}, fmt.Errorf("invalid uplink key: %w", err)
	}

	return Record{
		Name: fields[0],
		ID:   uint8(id64),
		Keys: wire.KeyPair{Downlink: downlink, Uplink: uplink},
	}, nil
}

func parseHexKey(s string) ([32]byte, error) {
	var key [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("not valid hex: %w", err)
	}
	if len(b) != 32 {
		return key, fmt.Errorf("got %d bytes, want 32", len(b))
	}
	copy(key[:], b)
	return key, nil
}
