// Package dsn reads DSN Now snapshots and turns them into telemetry metrics.
//
// A snapshot lists stations and dishes as flat siblings, and dish signals as
// siblings of the targets they belong to. The parser restores the hierarchy
// while streaming: a dish belongs to the station element preceding it, and a
// signal belongs to the target of the same dish whose id matches the
// signal's spacecraftID.
package dsn

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrNoDSN is returned when a document has no dsn root element.
var ErrNoDSN = errors.New("document does not contain a dsn element")

// Snapshot is one DSN Now document.
type Snapshot struct {
	// Timestamp is truncated to whole seconds. It is zero when the document
	// carries no timestamp.
	Timestamp time.Time
	Stations  []Station
}

// Station is a DSN complex such as gdscc.
type Station struct {
	Name         string
	FriendlyName string
	Dishes       []Dish
}

// Dish is one antenna and its current targets. Non-numeric readings are NaN.
type Dish struct {
	Name      string
	Activity  string
	Azimuth   float64
	Elevation float64
	WindSpeed float64
	MSPA      bool
	Array     bool
	DDOR      bool
	Targets   []Target
}

// Target is a spacecraft tracked by a dish.
type Target struct {
	Name         string
	ID           string
	UplegRange   float64
	DownlegRange float64
	RTLT         float64
	Up           []Signal
	Down         []Signal
}

// Signal is an up- or downlink carrier. Active is kept verbatim.
type Signal struct {
	Active       string
	Type         string
	Band         string
	DataRate     float64
	Frequency    float64
	Power        float64
	SpacecraftID string
}

// pendingDish collects a dish's targets and signals until the dish closes.
type pendingDish struct {
	dish    Dish
	order   []string
	targets map[string]*Target
	up      map[string][]Signal
	down    map[string][]Signal
}

func newPendingDish(attrs []xml.Attr) *pendingDish {
	return &pendingDish{
		dish: Dish{
			Name:      attr(attrs, "name"),
			Activity:  attr(attrs, "activity"),
			Azimuth:   number(attr(attrs, "azimuthAngle")),
			Elevation: number(attr(attrs, "elevationAngle")),
			WindSpeed: number(attr(attrs, "windSpeed")),
			MSPA:      flag(attr(attrs, "isMSPA")),
			Array:     flag(attr(attrs, "isArray")),
			DDOR:      flag(attr(attrs, "isDDOR")),
		},
		targets: make(map[string]*Target),
		up:      make(map[string][]Signal),
		down:    make(map[string][]Signal),
	}
}

func (p *pendingDish) addTarget(attrs []xml.Attr) {
	id := attr(attrs, "id")
	if !digits(id) {
		return
	}
	t := &Target{
		Name:         attr(attrs, "name"),
		ID:           id,
		UplegRange:   number(attr(attrs, "uplegRange")),
		DownlegRange: number(attr(attrs, "downlegRange")),
		RTLT:         number(attr(attrs, "rtlt")),
	}
	if _, seen := p.targets[id]; !seen {
		p.order = append(p.order, id)
	}
	p.targets[id] = t
}

func (p *pendingDish) addSignal(attrs []xml.Attr, up bool) {
	id, ok := strings.CutPrefix(attr(attrs, "spacecraftID"), "-")
	if !ok || !digits(id) {
		return
	}
	s := Signal{
		Active:       attr(attrs, "active"),
		Type:         attr(attrs, "signalType"),
		Band:         attr(attrs, "band"),
		DataRate:     number(attr(attrs, "dataRate")),
		Frequency:    number(attr(attrs, "frequency")),
		Power:        number(attr(attrs, "power")),
		SpacecraftID: id,
	}
	if up {
		p.up[id] = append(p.up[id], s)
	} else {
		p.down[id] = append(p.down[id], s)
	}
}

// finish attaches signals to their targets. Signals without a target are
// dropped.
func (p *pendingDish) finish() Dish {
	d := p.dish
	for _, id := range p.order {
		t := *p.targets[id]
		t.Up = p.up[id]
		t.Down = p.down[id]
		d.Targets = append(d.Targets, t)
	}
	return d
}

// ParseSnapshot decodes a DSN Now document.
func ParseSnapshot(r io.Reader) (*Snapshot, error) {
	dec := xml.NewDecoder(r)

	var (
		snap     Snapshot
		sawRoot  bool
		station  *Station
		dish     *pendingDish
		inStamp  bool
		stampRaw strings.Builder
	)

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}

		switch el := tok.(type) {
		case xml.StartElement:
			switch el.Name.Local {
			case "dsn":
				sawRoot = true
			case "station":
				snap.Stations = append(snap.Stations, Station{
					Name:         attr(el.Attr, "name"),
					FriendlyName: attr(el.Attr, "friendlyName"),
				})
				station = &snap.Stations[len(snap.Stations)-1]
			case "dish":
				dish = newPendingDish(el.Attr)
			case "target":
				if dish != nil {
					dish.addTarget(el.Attr)
				}
			case "upSignal", "downSignal":
				if dish != nil {
					dish.addSignal(el.Attr, el.Name.Local == "upSignal")
				}
			case "timestamp":
				inStamp = true
				stampRaw.Reset()
			}
		case xml.CharData:
			if inStamp {
				stampRaw.Write(el)
			}
		case xml.EndElement:
			switch el.Name.Local {
			case "dish":
				// A dish before the first station has no owner.
				if dish != nil && station != nil {
					station.Dishes = append(station.Dishes, dish.finish())
				}
				dish = nil
			case "timestamp":
				inStamp = false
				ts, err := parseTimestamp(stampRaw.String())
				if err != nil {
					return nil, err
				}
				snap.Timestamp = ts
			}
		}
	}

	if !sawRoot {
		return nil, ErrNoDSN
	}
	return &snap, nil
}

// parseTimestamp reads Unix milliseconds and drops the sub-second part.
func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid snapshot timestamp %q: %w", raw, err)
	}
	return time.Unix(ms/1000, 0).UTC(), nil
}

func attr(attrs []xml.Attr, name string) string {
	for _, a := range attrs {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// number parses a reading, yielding NaN for anything non-numeric.
func number(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

// flag is false only for the literal "false".
func flag(s string) bool {
	return s != "false"
}

func digits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
