package scanftp

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// Kind classifies a listing entry.
type Kind int

const (
	// KindOther covers links, devices and lines that could not be decoded.
	KindOther Kind = iota
	KindFile
	KindDirectory
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDirectory:
		return "dir"
	}
	return "other"
}

// ListingEntry is one line of a LIST reply.
type ListingEntry struct {
	Name string
	Kind Kind
	Size int64

	// Permissions is the permission field as sent by the server, uninterpreted
	Permissions string

	// Target is the link target for "name -> target" entries
	Target string

	// Raw is the line as received, without its terminator
	Raw string
}

// ListingParser decodes one listing line. It reports false when the line
// is not in its format.
type ListingParser interface {
	Parse(line string) (ListingEntry, bool)
}

// DecodeListing reads a LIST body and decodes every non-empty line, in
// order. Lines no parser understands are kept as KindOther entries whose
// Name is the whole line. With no parsers the built-in EPLF, DOS and Unix
// parsers are used.
func DecodeListing(r io.Reader, parsers ...ListingParser) ([]ListingEntry, error) {
	if len(parsers) == 0 {
		parsers = defaultParsers()
	}
	composite := &CompositeParser{Parsers: parsers}

	var entries []ListingEntry
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if entry, ok := composite.Decode(scanner.Text()); ok {
			entries = append(entries, entry)
		}
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("failed to read directory listing: %w", err)
	}
	return entries, nil
}

func defaultParsers() []ListingParser {
	return []ListingParser{
		&EPLFParser{},
		&DOSParser{},
		&UnixParser{},
	}
}

// CompositeParser tries multiple parsers in order.
type CompositeParser struct {
	Parsers []ListingParser
}

// Decode decodes one line. It reports false only for blank lines.
func (p *CompositeParser) Decode(line string) (ListingEntry, bool) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return ListingEntry{}, false
	}

	for _, parser := range p.Parsers {
		if entry, ok := parser.Parse(line); ok {
			entry.Raw = line
			return entry, true
		}
	}

	log.Debug().Str("raw", line).Msg("unable to parse LIST line, unknown format")
	return ListingEntry{
		Name: line,
		Kind: KindOther,
		Raw:  line,
	}, true
}

// UnixParser parses "ls -l" style lines, with or without the group column.
//
//	-rw-r--r-- 1 user group 1024 Jan 1 00:00 my file.txt
//	lrwxrwxrwx 1 user 7 Jan 1 2024 current -> releases/42
type UnixParser struct{}

func (p *UnixParser) Parse(line string) (ListingEntry, bool) {
	starts := fieldStarts(line)
	if len(starts) < 8 {
		return ListingEntry{}, false
	}
	field := func(i int) string {
		end := len(line)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		return strings.TrimRight(line[starts[i]:end], " \t")
	}

	perms := field(0)
	kind, ok := unixKind(perms)
	if !ok {
		return ListingEntry{}, false
	}

	// 9 columns: perms links owner group size month day time name
	// 8 columns: perms links owner size month day time name
	sizeIdx, nameIdx := -1, -1
	if len(starts) >= 9 && isSize(field(4)) && isMonth(field(5)) {
		sizeIdx, nameIdx = 4, 8
	} else if isSize(field(3)) && isMonth(field(4)) {
		sizeIdx, nameIdx = 3, 7
	}
	if sizeIdx < 0 || nameIdx >= len(starts) {
		return ListingEntry{}, false
	}

	size, _ := strconv.ParseInt(field(sizeIdx), 10, 64)
	entry := ListingEntry{
		Kind:        kind,
		Size:        size,
		Permissions: perms,
		Name:        line[starts[nameIdx]:],
	}

	if perms[0] == 'l' {
		if name, target, found := strings.Cut(entry.Name, " -> "); found {
			entry.Name = name
			entry.Target = target
		}
	}
	return entry, true
}

// fieldStarts returns the byte offset of each whitespace-separated field.
func fieldStarts(line string) []int {
	var starts []int
	inField := false
	for i := 0; i < len(line); i++ {
		space := line[i] == ' ' || line[i] == '\t'
		if !space && !inField {
			starts = append(starts, i)
		}
		inField = !space
	}
	return starts
}

func unixKind(perms string) (Kind, bool) {
	if len(perms) == 10 {
		switch perms[0] {
		case '-':
			return KindFile, true
		case 'd':
			return KindDirectory, true
		case 'l', 'b', 'c', 'p', 's':
			return KindOther, true
		}
		return KindOther, false
	}
	// Some servers send octal permissions; the type is unknown.
	if len(perms) >= 3 && len(perms) <= 4 {
		for _, ch := range perms {
			if ch < '0' || ch > '7' {
				return KindOther, false
			}
		}
		return KindFile, true
	}
	return KindOther, false
}

func isSize(s string) bool {
	_, err := strconv.ParseInt(s, 10, 64)
	return err == nil
}

var months = map[string]bool{
	"jan": true, "feb": true, "mar": true, "apr": true, "may": true, "jun": true,
	"jul": true, "aug": true, "sep": true, "oct": true, "nov": true, "dec": true,
}

func isMonth(s string) bool {
	return months[strings.ToLower(s)]
}

// DOSParser parses DOS/Windows-style directory entries.
//
//	12-14-23  12:22PM           1037794 large-document.pdf
//	09-24-24  10:30AM       <DIR>          logger
type DOSParser struct{}

func (p *DOSParser) Parse(line string) (ListingEntry, bool) {
	starts := fieldStarts(line)
	if len(starts) < 4 {
		return ListingEntry{}, false
	}
	fields := strings.Fields(line)
	if !isDOSDate(fields[0]) {
		return ListingEntry{}, false
	}

	name := line[starts[3]:]
	if fields[2] == "<DIR>" {
		return ListingEntry{Name: name, Kind: KindDirectory}, true
	}

	size, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return ListingEntry{}, false
	}
	return ListingEntry{Name: name, Kind: KindFile, Size: size}, true
}

// isDOSDate checks if a string looks like a DOS/Windows date format.
// Common formats: MM-DD-YY, MM-DD-YYYY, MM/DD/YY, MM/DD/YYYY
func isDOSDate(s string) bool {
	var parts []string
	switch {
	case strings.Contains(s, "-"):
		parts = strings.Split(s, "-")
	case strings.Contains(s, "/"):
		parts = strings.Split(s, "/")
	default:
		return false
	}
	if len(parts) != 3 {
		return false
	}

	for i, part := range parts {
		if i < 2 && (len(part) < 1 || len(part) > 2) {
			return false
		}
		if i == 2 && len(part) != 2 && len(part) != 4 {
			return false
		}
		for _, ch := range part {
			if ch < '0' || ch > '9' {
				return false
			}
		}
	}
	return true
}

// EPLFParser parses EPLF entries.
// Format: +facts\tname, facts are comma-separated, e.g. i=inode, m=mtime,
// s=size, / for directories, r for retrievable files.
//
//	+i8388621.48594,m825718503,r,s280,\tdjb.html
type EPLFParser struct{}

func (p *EPLFParser) Parse(line string) (ListingEntry, bool) {
	if !strings.HasPrefix(line, "+") {
		return ListingEntry{}, false
	}
	facts, name, found := strings.Cut(line[1:], "\t")
	if !found {
		facts, name, found = strings.Cut(line[1:], " ")
	}
	if !found || name == "" {
		return ListingEntry{}, false
	}

	entry := ListingEntry{Name: name, Kind: KindFile}
	for fact := range strings.SplitSeq(facts, ",") {
		if fact == "" {
			continue
		}
		switch fact[0] {
		case '/':
			entry.Kind = KindDirectory
		case 's':
			if size, err := strconv.ParseInt(fact[1:], 10, 64); err == nil {
				entry.Size = size
			}
		case 'u':
			if strings.HasPrefix(fact, "up") {
				entry.Permissions = fact[2:]
			}
		}
	}
	return entry, true
}
