package tle

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

const lineLength = 69

// Parse reads element text from r and returns the sets that pass validation.
// Both the 3-line (name, line 1, line 2) and bare 2-line layouts are accepted.
// Malformed entries are skipped with a warning log.
func Parse(r io.Reader, logger *slog.Logger) ([]ElementSet, error) {
	scanner := bufio.NewScanner(r)
	var lines []string
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n ")
		if line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading element data: %w", err)
	}

	var sets []ElementSet
	for i := 0; i+1 < len(lines); {
		var name, line1, line2 string
		switch {
		case isLine(lines[i], '1') && isLine(lines[i+1], '2'):
			line1, line2 = lines[i], lines[i+1]
			i += 2
		case i+2 < len(lines) && isLine(lines[i+1], '1') && isLine(lines[i+2], '2'):
			name, line1, line2 = lines[i], lines[i+1], lines[i+2]
			i += 3
		default:
			logger.Warn("skipping malformed element entry", "line_index", i, "text", lines[i])
			i++
			continue
		}

		es, err := ParseElements(name, line1, line2)
		if err != nil {
			logger.Warn("skipping element set", "name", strings.TrimSpace(name), "error", err)
			continue
		}
		if !ChecksumValid(line1) || !ChecksumValid(line2) {
			logger.Debug("element set checksum mismatch", "catalog_id", es.CatalogID)
		}
		sets = append(sets, es)
	}

	return sets, nil
}

func isLine(s string, n byte) bool {
	return len(s) > 2 && s[0] == n && s[1] == ' '
}

// ParseElements parses a single two-line element set. Field extraction uses
// the same fixed columns as the SGP4 model initialiser so that anything
// accepted here can be handed to it safely.
func ParseElements(name, line1, line2 string) (ElementSet, error) {
	line1 = strings.TrimRight(line1, "\r\n ")
	line2 = strings.TrimRight(line2, "\r\n ")

	if len(line1) != lineLength {
		return ElementSet{}, fmt.Errorf("%w: line 1 length %d, expected %d", ErrMalformedElements, len(line1), lineLength)
	}
	if len(line2) != lineLength {
		return ElementSet{}, fmt.Errorf("%w: line 2 length %d, expected %d", ErrMalformedElements, len(line2), lineLength)
	}
	if line1[0] != '1' || line2[0] != '2' {
		return ElementSet{}, fmt.Errorf("%w: bad line numbers %q/%q", ErrMalformedElements, line1[0], line2[0])
	}

	p := fieldParser{}
	id := p.int("catalog number", strings.TrimSpace(line1[2:7]))
	id2 := p.int("line 2 catalog number", strings.TrimSpace(line2[2:7]))
	p.int("epoch year", line1[18:20])
	p.float("epoch day", line1[20:32])

	es := ElementSet{
		CatalogID:     id,
		Name:          cleanName(name, id),
		MeanMotionDot: p.float("mean motion derivative", strings.Replace(line1[33:43], " ", "", 2)),
		BStar:         p.float("bstar", strings.Replace(line1[53:54]+"."+line1[54:59]+"e"+line1[59:61], " ", "", 2)),
		Inclination:   p.float("inclination", strings.Replace(line2[8:16], " ", "", 2)),
		RAAN:          p.float("raan", strings.Replace(line2[17:25], " ", "", 2)),
		Eccentricity:  p.float("eccentricity", "."+line2[26:33]),
		ArgPerigee:    p.float("argument of perigee", strings.Replace(line2[34:42], " ", "", 2)),
		MeanAnomaly:   p.float("mean anomaly", strings.Replace(line2[43:51], " ", "", 2)),
		MeanMotion:    p.float("mean motion", strings.Replace(line2[52:63], " ", "", 2)),
		Line1:         line1,
		Line2:         line2,
	}
	p.float("second derivative", strings.Replace(line1[44:45]+"."+line1[45:50]+"e"+line1[50:52], " ", "", 2))
	if p.err != nil {
		return ElementSet{}, p.err
	}
	if id != id2 {
		return ElementSet{}, fmt.Errorf("%w: catalog number mismatch %d/%d", ErrMalformedElements, id, id2)
	}

	epoch, err := parseEpoch(strings.TrimSpace(line1[18:32]))
	if err != nil {
		return ElementSet{}, fmt.Errorf("%w: %v", ErrMalformedElements, err)
	}
	es.Epoch = epoch

	if err := Validate(es); err != nil {
		return ElementSet{}, err
	}
	return es, nil
}

// fieldParser records the first conversion failure.
type fieldParser struct {
	err error
}

func (p *fieldParser) int(field, s string) int {
	if p.err != nil {
		return 0
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		p.err = fmt.Errorf("%w: %s %q", ErrMalformedElements, field, s)
	}
	return v
}

func (p *fieldParser) float(field, s string) float64 {
	if p.err != nil {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		p.err = fmt.Errorf("%w: %s %q", ErrMalformedElements, field, s)
	}
	return v
}

func cleanName(name string, id int) string {
	name = strings.TrimSpace(name)
	name = strings.TrimPrefix(name, "0 ")
	if name == "" {
		return strconv.Itoa(id)
	}
	return name
}

// ChecksumValid reports whether the modulo-10 checksum in column 69 matches
// the line. Digits count their value and minus signs count one.
func ChecksumValid(line string) bool {
	if len(line) != lineLength {
		return false
	}
	sum := 0
	for _, c := range line[:lineLength-1] {
		switch {
		case c >= '0' && c <= '9':
			sum += int(c - '0')
		case c == '-':
			sum++
		}
	}
	return int(line[lineLength-1]-'0') == sum%10
}

// parseEpoch converts a TLE epoch string in YYDDD.DDDDDDDD format to time.Time.
// Year 00-56 → 2000s, 57-99 → 1900s.
func parseEpoch(s string) (time.Time, error) {
	if len(s) < 5 {
		return time.Time{}, fmt.Errorf("epoch string too short: %q", s)
	}

	yearStr := s[:2]
	dayStr := s[2:]

	year, err := strconv.Atoi(yearStr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid epoch year %q: %w", yearStr, err)
	}

	if year >= 57 {
		year += 1900
	} else {
		year += 2000
	}

	dayOfYear, err := strconv.ParseFloat(dayStr, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid epoch day %q: %w", dayStr, err)
	}
	if dayOfYear < 1 || dayOfYear >= 367 {
		return time.Time{}, fmt.Errorf("epoch day %v out of range", dayOfYear)
	}

	// dayOfYear is 1-based: day 1 = Jan 1.
	t := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
	return t.Add(time.Duration((dayOfYear - 1) * float64(24*time.Hour))), nil
}
