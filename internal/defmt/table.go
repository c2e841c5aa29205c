// Package defmt implements the frame decoding pipeline: parsing a defmt
// symbol table out of an ELF image once at startup, and a streaming decoder
// that turns a sequence of incoming bytes into Frame values in the order the
// target emitted them.
//
// The on-the-wire layout decoded by Parse and StreamDecoder.Decode is a
// compact schema of the same shape as defmt's own encoding: a ULEB128 table
// index followed by the typed arguments the indexed format string declares,
// with ULEB128 length prefixes for strings and byte slices. Both the .defmt
// table layout and the frame layout are this package's own encoding; they
// are not byte-compatible with the upstream defmt crate's formats.
package defmt

import (
	"debug/elf"
	"fmt"
	"io"
)

const defmtSectionName = ".defmt"

// Entry is one row of the parsed symbol table: a format string plus the
// argument types it declares, decoded once so that every subsequent frame
// referencing this index can be decoded without re-parsing the string.
type Entry struct {
	Index uint32

	FormatString string
	Fragments    []Fragment

	HasLevel bool
	Level    Level

	TimestampFormatString string
	TimestampFragment     *Fragment

	Location *Location
}

// ParamFragments returns the subset of Fragments that are typed parameter
// placeholders, in format-string order — the argument type sequence a frame
// referencing this entry must supply on the wire.
func (e *Entry) ParamFragments() []Fragment {
	var params []Fragment
	for _, f := range e.Fragments {
		if f.IsParam {
			params = append(params, f)
		}
	}
	return params
}

// Table is the parsed defmt symbol table: every format string the target
// firmware can reference by index, plus whatever location info is available.
type Table struct {
	Entries map[uint32]*Entry
}

// MissingLocationCount reports how many entries have no location info, used
// by callers to emit a single startup warning instead of one per event.
func (t *Table) MissingLocationCount() int {
	n := 0
	for _, e := range t.Entries {
		if e.Location == nil {
			n++
		}
	}
	return n
}

// Parse reads the .defmt section from an ELF image and decodes the symbol
// table. It fails with ErrMissingDefmtSection if the section is absent, or
// with ErrDefmtTable if the section's contents cannot be decoded.
func Parse(r io.ReaderAt) (*Table, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrElfFileRead, err)
	}
	defer f.Close()

	sec := f.Section(defmtSectionName)
	if sec == nil {
		return nil, ErrMissingDefmtSection
	}
	data, err := sec.Data()
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s section: %v", ErrDefmtTable, defmtSectionName, err)
	}

	return parseTableBytes(data)
}

func parseTableBytes(data []byte) (*Table, error) {
	d := &bufDecoder{buf: data}
	table := &Table{Entries: map[uint32]*Entry{}}

	for d.pos < len(d.buf) {
		entry, err := parseEntry(d)
		if err != nil {
			return nil, err
		}
		table.Entries[entry.Index] = entry
	}
	return table, nil
}

func parseEntry(d *bufDecoder) (*Entry, error) {
	index, ok := d.uleb128()
	if !ok {
		return nil, fmt.Errorf("%w: truncated entry index", ErrDefmtTable)
	}

	hasLevel, ok := d.u8()
	if !ok {
		return nil, fmt.Errorf("%w: truncated level flag", ErrDefmtTable)
	}
	entry := &Entry{Index: uint32(index)}
	if hasLevel != 0 {
		levelByte, ok := d.u8()
		if !ok {
			return nil, fmt.Errorf("%w: truncated level value", ErrDefmtTable)
		}
		lvl, ok := parseLevel(levelByte)
		if !ok {
			return nil, fmt.Errorf("%w: invalid level byte %d", ErrDefmtTable, levelByte)
		}
		entry.HasLevel = true
		entry.Level = lvl
	}

	formatString, ok := d.lenString()
	if !ok {
		return nil, fmt.Errorf("%w: truncated format string for entry %d", ErrDefmtTable, index)
	}
	entry.FormatString = formatString
	frags, err := ParseFormatString(formatString)
	if err != nil {
		return nil, err
	}
	entry.Fragments = frags

	hasTsFormat, ok := d.u8()
	if !ok {
		return nil, fmt.Errorf("%w: truncated timestamp-format flag", ErrDefmtTable)
	}
	if hasTsFormat != 0 {
		tsFormat, ok := d.lenString()
		if !ok {
			return nil, fmt.Errorf("%w: truncated timestamp format string", ErrDefmtTable)
		}
		entry.TimestampFormatString = tsFormat
		tsFrags, err := ParseFormatString(tsFormat)
		if err != nil {
			return nil, err
		}
		for i := range tsFrags {
			if tsFrags[i].IsParam {
				entry.TimestampFragment = &tsFrags[i]
				break
			}
		}
	}

	hasLocation, ok := d.u8()
	if !ok {
		return nil, fmt.Errorf("%w: truncated location flag", ErrDefmtTable)
	}
	if hasLocation != 0 {
		file, ok := d.lenString()
		if !ok {
			return nil, fmt.Errorf("%w: truncated location file", ErrDefmtTable)
		}
		line, ok := d.uleb128()
		if !ok {
			return nil, fmt.Errorf("%w: truncated location line", ErrDefmtTable)
		}
		module, ok := d.lenString()
		if !ok {
			return nil, fmt.Errorf("%w: truncated location module", ErrDefmtTable)
		}
		entry.Location = &Location{File: file, Line: uint32(line), Module: module}
	}

	return entry, nil
}
