package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/tidwall/gjson"
)

// scanItems calls fn with the byte offset and content of every non-blank
// line read from r. Line terminators are stripped.
func scanItems(ctx context.Context, r io.Reader, fn func(offset int64, line []byte) error) error {
	br := bufio.NewReaderSize(r, 64*1024)

	var offset int64
	for n := 0; ; n++ {
		if n%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		line, err := br.ReadBytes('\n')
		size := int64(len(line))
		if trimmed := bytes.TrimRight(line, "\r\n"); len(bytes.TrimSpace(trimmed)) > 0 {
			if ferr := fn(offset, trimmed); ferr != nil {
				return ferr
			}
		}
		offset += size

		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func countLines(ctx context.Context, path string, header bool) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var n uint64
	err = scanItems(ctx, f, func(int64, []byte) error {
		n++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan %s: %w", path, err)
	}

	if header && n > 0 {
		n--
	}

	return n, nil
}

// lineFile is an opened CSV or JSONL file with an index of item offsets,
// so chunk reads seek straight to their first item.
type lineFile struct {
	f       *os.File
	offsets []int64
	size    int64
	header  map[string]int
	columns []string
	isCSV   bool
}

func openLines(ctx context.Context, path string, isCSV bool) (*lineFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	lf := &lineFile{f: f, size: info.Size(), isCSV: isCSV}

	err = scanItems(ctx, f, func(offset int64, line []byte) error {
		if isCSV && lf.header == nil {
			return lf.readHeader(line)
		}
		lf.offsets = append(lf.offsets, offset)
		return nil
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("index %s: %w", path, err)
	}

	return lf, nil
}

func (lf *lineFile) readHeader(line []byte) error {
	cols, err := csv.NewReader(bytes.NewReader(line)).Read()
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}

	lf.columns = cols
	lf.header = make(map[string]int, len(cols))
	for i, c := range cols {
		lf.header[c] = i
	}

	return nil
}

func (lf *lineFile) Len() uint64 {
	return uint64(len(lf.offsets))
}

func (lf *lineFile) Rows(ctx context.Context, start, stop uint64, fn func(Record) error) error {
	if err := checkRange(start, stop, lf.Len()); err != nil {
		return err
	}
	if start == stop {
		return nil
	}

	begin := lf.offsets[start]
	end := lf.size
	if stop < lf.Len() {
		end = lf.offsets[stop]
	}

	// SectionReader uses ReadAt, so concurrent Rows calls never share a seek position
	section := io.NewSectionReader(lf.f, begin, end-begin)

	return scanItems(ctx, section, func(_ int64, line []byte) error {
		rec, err := lf.parse(line)
		if err != nil {
			return err
		}
		return fn(rec)
	})
}

func (lf *lineFile) parse(line []byte) (Record, error) {
	if !lf.isCSV {
		if !gjson.ValidBytes(line) {
			return nil, fmt.Errorf("invalid JSON record: %.40q", line)
		}
		return jsonRecord{res: gjson.ParseBytes(line)}, nil
	}

	r := csv.NewReader(bytes.NewReader(line))
	r.FieldsPerRecord = -1
	values, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("invalid CSV record: %w", err)
	}

	return csvRecord{file: lf, values: values}, nil
}

func (lf *lineFile) Close() error {
	return lf.f.Close()
}

type csvRecord struct {
	file   *lineFile
	values []string
}

func (r csvRecord) Get(field string) (string, bool) {
	i, ok := r.file.header[field]
	if !ok || i >= len(r.values) {
		return "", false
	}
	return r.values[i], true
}

func (r csvRecord) Float(field string) (float64, bool) {
	s, ok := r.Get(field)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	return v, err == nil
}

func (r csvRecord) Fields() []string {
	return r.file.columns
}

type jsonRecord struct {
	res gjson.Result
}

func (r jsonRecord) Get(field string) (string, bool) {
	v := r.res.Get(field)
	if !v.Exists() {
		return "", false
	}
	return v.String(), true
}

func (r jsonRecord) Float(field string) (float64, bool) {
	v := r.res.Get(field)
	switch v.Type {
	case gjson.Number:
		return v.Num, true
	case gjson.True:
		return 1, true
	case gjson.False:
		return 0, true
	case gjson.String:
		f, err := strconv.ParseFloat(v.Str, 64)
		return f, err == nil
	}
	return 0, false
}

func (r jsonRecord) Fields() []string {
	var fields []string
	r.res.ForEach(func(key, _ gjson.Result) bool {
		fields = append(fields, key.String())
		return true
	})
	return fields
}
