package contact

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// PlanFormat selects the plan encoding.
type PlanFormat int

const (
	// FormatRAW is a CSV table including the range column.
	FormatRAW PlanFormat = iota
	// FormatHDTN is an indented JSON array of contacts.
	FormatHDTN
	// FormatION is a list of ionadmin "a contact" and "a range" directives.
	FormatION
)

func (f PlanFormat) String() string {
	switch f {
	case FormatRAW:
		return "RAW"
	case FormatHDTN:
		return "HDTN"
	case FormatION:
		return "ION"
	default:
		return fmt.Sprintf("PlanFormat(%d)", int(f))
	}
}

// ParseFormat parses a case-insensitive format name. An empty name selects RAW.
func ParseFormat(name string) (PlanFormat, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "", "RAW":
		return FormatRAW, nil
	case "HDTN":
		return FormatHDTN, nil
	case "ION":
		return FormatION, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
	}
}

// Encode renders entries in the given format. Relative selects the signed
// offset notation used by directive output.
func Encode(w io.Writer, entries []Entry, f PlanFormat, relative bool) error {
	switch f {
	case FormatRAW:
		return EncodeRAW(w, entries)
	case FormatHDTN:
		return EncodeHDTN(w, entries)
	case FormatION:
		return EncodeION(w, entries, relative)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, f)
	}
}

var rawHeader = []string{"contact", "source", "dest", "startTime", "endTime", "rateBitsPerSec", "range_km", "owlt"}

// EncodeRAW writes a CSV header followed by one row per entry.
func EncodeRAW(w io.Writer, entries []Entry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(rawHeader); err != nil {
		return err
	}
	for _, e := range entries {
		row := []string{
			strconv.FormatInt(e.Contact, 10),
			e.Source,
			e.Dest,
			strconv.FormatInt(e.StartTime, 10),
			strconv.FormatInt(e.EndTime, 10),
			strconv.FormatUint(e.RateBitsPerSec, 10),
			strconv.FormatFloat(e.RangeKm, 'f', -1, 64),
			strconv.FormatUint(e.OWLT, 10),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// hdtnContact is an entry without the range column.
type hdtnContact struct {
	Contact        int64  `json:"contact"`
	Source         string `json:"source"`
	Dest           string `json:"dest"`
	StartTime      int64  `json:"startTime"`
	EndTime        int64  `json:"endTime"`
	RateBitsPerSec uint64 `json:"rateBitsPerSec"`
	OWLT           uint64 `json:"owlt"`
}

// EncodeHDTN writes the entries as a JSON array indented by four spaces.
func EncodeHDTN(w io.Writer, entries []Entry) error {
	contacts := make([]hdtnContact, 0, len(entries))
	for _, e := range entries {
		contacts = append(contacts, hdtnContact{
			Contact:        e.Contact,
			Source:         e.Source,
			Dest:           e.Dest,
			StartTime:      e.StartTime,
			EndTime:        e.EndTime,
			RateBitsPerSec: e.RateBitsPerSec,
			OWLT:           e.OWLT,
		})
	}

	data, err := json.MarshalIndent(contacts, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal contacts: %w", err)
	}
	_, err = w.Write(data)
	return err
}

// EncodeION writes all contact directives followed by all range directives.
// Contact rates are in bytes per second, ranges in whole light seconds.
func EncodeION(w io.Writer, entries []Entry, relative bool) error {
	if len(entries) == 0 {
		return nil
	}

	lines := make([]string, 0, 2*len(entries))
	for _, e := range entries {
		lines = append(lines, directive("contact", e, e.RateBitsPerSec/8, relative))
	}
	for _, e := range entries {
		lines = append(lines, directive("range", e, e.OWLT, relative))
	}

	_, err := io.WriteString(w, strings.Join(lines, "\n"))
	return err
}

func directive(mode string, e Entry, value uint64, relative bool) string {
	return strings.Join([]string{
		"a", mode,
		ionTime(e.StartTime, relative),
		ionTime(e.EndTime, relative),
		e.Source,
		e.Dest,
		strconv.FormatUint(value, 10),
	}, " ")
}

func ionTime(t int64, relative bool) string {
	s := strconv.FormatInt(t, 10)
	if relative && t >= 0 {
		return "+" + s
	}
	return s
}
