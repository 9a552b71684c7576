package fdstore

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cuemby/coreinit/pkg/types"
)

// maxRecordBytes bounds the serialized record text; a re-exec payload
// beyond this is refused rather than handed to a child process that may
// not be able to hold it in its own environment/memfd budget.
const maxRecordBytes = 1 << 20

// Serialize renders every entry as a sequence of key=value records, one
// per line, in the form:
//
//	<unit>.<name>=@<index>
//
// where <index> is the position of the entry's fd in the parallel fd
// array the caller passes to execve() (via ExtraFiles ordering), not the
// numeric fd value itself — fd numbers are not stable across execve() but
// array position is, by construction.
func Serialize(entries []Entry) (text string, fds []int, err error) {
	sorted := append([]Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].UnitID != sorted[j].UnitID {
			return sorted[i].UnitID < sorted[j].UnitID
		}
		return sorted[i].Name < sorted[j].Name
	})

	var b strings.Builder
	fds = make([]int, 0, len(sorted))
	for _, e := range sorted {
		idx := len(fds)
		fds = append(fds, e.FD)
		fmt.Fprintf(&b, "%s.%s=@%d\n", e.UnitID, e.Name, idx)
		if b.Len() > maxRecordBytes {
			return "", nil, &types.SerializationErr{Kind: types.SerErrOverflow, Detail: fmt.Sprintf("record exceeds %d bytes", maxRecordBytes)}
		}
	}
	return b.String(), fds, nil
}

// Deserialize parses a record text produced by Serialize, resolving each
// @<index> reference against fds (the array the caller received them in,
// e.g. via inherited ExtraFiles after execve()).
func Deserialize(text string, fds []int) ([]Entry, error) {
	var entries []Entry
	for lineNo, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			return nil, &types.SerializationErr{Kind: types.SerErrBadEncoding, Detail: fmt.Sprintf("line %d: missing '='", lineNo)}
		}
		key := line[:eq]
		val := line[eq+1:]

		dot := strings.LastIndexByte(key, '.')
		if dot < 0 {
			return nil, &types.SerializationErr{Kind: types.SerErrBadEncoding, Detail: fmt.Sprintf("line %d: malformed key %q", lineNo, key)}
		}
		unitID, name := key[:dot], key[dot+1:]

		if !strings.HasPrefix(val, "@") {
			return nil, &types.SerializationErr{Kind: types.SerErrBadEncoding, Detail: fmt.Sprintf("line %d: expected @<index>, got %q", lineNo, val)}
		}
		idx, err := strconv.Atoi(val[1:])
		if err != nil {
			return nil, &types.SerializationErr{Kind: types.SerErrBadEncoding, Detail: fmt.Sprintf("line %d: bad index %q", lineNo, val)}
		}
		if idx < 0 || idx >= len(fds) {
			return nil, &types.SerializationErr{Kind: types.SerErrMissingFD, Detail: fmt.Sprintf("line %d: index %d out of range (%d fds)", lineNo, idx, len(fds))}
		}

		entries = append(entries, Entry{UnitID: unitID, Name: name, FD: fds[idx]})
	}
	return entries, nil
}
