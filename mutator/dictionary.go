package mutator

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"github.com/xtaci/centifuzz/blobfile"
)

// LoadDictionaryFile loads path as a dictionary, accepting either of the
// two formats spec.md §6 names: the Centipede-native packed-blob format or
// an AFL/libFuzzer text dictionary. The native reader tolerantly returns
// zero entries for a file that isn't its format (no magic found), so a
// zero-entry native result falls back to the AFL parser rather than being
// treated as "empty dictionary".
func LoadDictionaryFile(path string) ([][]byte, error) {
	entries, err := LoadNativeDictionary(path)
	if err == nil && len(entries) > 0 {
		return entries, nil
	}
	f, ferr := os.Open(path)
	if ferr != nil {
		return nil, errors.Wrap(ferr, "mutator: open dictionary")
	}
	defer f.Close()
	return LoadAFLDictionary(f)
}

// LoadNativeDictionary parses a Centipede-native packed-blob dictionary
// file (§6): the same framing as a corpus shard, one dictionary entry per
// blob, in file order.
func LoadNativeDictionary(path string) ([][]byte, error) {
	r := blobfile.NewReader()
	if err := r.Open(path); err != nil {
		return nil, errors.Wrap(err, "mutator: open native dictionary")
	}
	defer r.Close()
	var entries [][]byte
	for {
		b, err := r.Read()
		if err == blobfile.ErrEndOfStream {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "mutator: read native dictionary")
		}
		entries = append(entries, b)
	}
	return entries, nil
}

// LoadAFLDictionary parses an AFL/libFuzzer-style dictionary: ASCII text,
// one entry per line of the form `name="escaped"`, blank lines and lines
// beginning with '#' ignored. Supported escapes: \\ \r \n \t \" \xHH.
// Returns the decoded entries in file order. Rejects non-ASCII bytes and
// unterminated quotes.
func LoadAFLDictionary(r io.Reader) ([][]byte, error) {
	var entries [][]byte
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		for _, b := range line {
			if b > 0x7f {
				return nil, errors.Errorf("dictionary line %d: non-ASCII byte 0x%02x", lineNo, b)
			}
		}
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 || trimmed[0] == '#' {
			continue
		}
		eq := bytes.IndexByte(trimmed, '=')
		if eq < 0 {
			continue
		}
		quoted := bytes.TrimSpace(trimmed[eq+1:])
		entry, err := parseQuotedEntry(quoted)
		if err != nil {
			return nil, errors.Wrapf(err, "dictionary line %d", lineNo)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "scanning dictionary")
	}
	return entries, nil
}

func parseQuotedEntry(q []byte) ([]byte, error) {
	if len(q) < 2 || q[0] != '"' || q[len(q)-1] != '"' {
		return nil, errors.New("unterminated quoted entry")
	}
	body := q[1 : len(q)-1]
	var out bytes.Buffer
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c != '\\' {
			out.WriteByte(c)
			continue
		}
		i++
		if i >= len(body) {
			return nil, errors.New("trailing backslash")
		}
		switch body[i] {
		case '\\':
			out.WriteByte('\\')
		case 'r':
			out.WriteByte('\r')
		case 'n':
			out.WriteByte('\n')
		case 't':
			out.WriteByte('\t')
		case '"':
			out.WriteByte('"')
		case 'x':
			if i+2 >= len(body) {
				return nil, errors.New("truncated \\x escape")
			}
			v, err := strconv.ParseUint(string(body[i+1:i+3]), 16, 8)
			if err != nil {
				return nil, errors.Wrap(err, "invalid \\x escape")
			}
			out.WriteByte(byte(v))
			i += 2
		default:
			return nil, fmt.Errorf("unsupported escape \\%c", body[i])
		}
	}
	return out.Bytes(), nil
}
