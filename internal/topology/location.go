package topology

import (
	"sort"
	"strings"

	zerrors "github.com/zzenonn/zcrush/internal/errors"
)

// LocationEntry is one "type=name" pair of a Location.
type LocationEntry struct {
	Type string
	Name string
}

// Location describes where a device sits in the hierarchy, for example
// "root=default rack=r1 host=h1".
type Location []LocationEntry

// ParseLocation parses "type=name" pairs separated by spaces, tabs, commas
// or semicolons.
func ParseLocation(s string) (Location, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '\t' || r == ',' || r == ';'
	})
	loc := make(Location, 0, len(fields))
	for _, f := range fields {
		typ, name, ok := strings.Cut(f, "=")
		if !ok || typ == "" || name == "" {
			return nil, zerrors.InvalidEditError("bad location entry %q", f)
		}
		loc = append(loc, LocationEntry{Type: typ, Name: name})
	}
	if len(loc) == 0 {
		return nil, zerrors.InvalidEditError("empty location")
	}
	return loc, nil
}

func (l Location) String() string {
	parts := make([]string, len(l))
	for i, e := range l {
		parts[i] = e.Type + "=" + e.Name
	}
	return strings.Join(parts, " ")
}

type level struct {
	LocationEntry
	typeID TypeID
}

// resolve orders the entries from the highest level down and checks that
// every type is known and appears once.
func (l Location) resolve(t *Topology) ([]level, error) {
	levels := make([]level, 0, len(l))
	seen := make(map[TypeID]bool, len(l))
	for _, e := range l {
		id, ok := t.TypeByName(e.Type)
		if !ok {
			return nil, zerrors.InvalidEditError("location type %q unknown", e.Type)
		}
		if id == DeviceType {
			return nil, zerrors.InvalidEditError("location cannot name the device level")
		}
		if seen[id] {
			return nil, zerrors.InvalidEditError("location names %q twice", e.Type)
		}
		seen[id] = true
		levels = append(levels, level{LocationEntry: e, typeID: id})
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].typeID > levels[j].typeID })
	return levels, nil
}

// LocationOf returns the path from the root down to the parent of id.
func (t *Topology) LocationOf(id ItemID) (Location, error) {
	if !t.exists(id) {
		if id.IsBucket() {
			return nil, zerrors.UnknownBucketError(int32(id))
		}
		return nil, zerrors.UnknownDeviceError(int32(id))
	}
	var loc Location
	for p, ok := t.Parent(id); ok; p, ok = t.Parent(p) {
		b := t.buckets[p.bucketIndex()]
		loc = append(loc, LocationEntry{Type: t.TypeName(b.Type), Name: b.Name})
		if len(loc) > len(t.buckets) {
			break
		}
	}
	for i, j := 0, len(loc)-1; i < j; i, j = i+1, j-1 {
		loc[i], loc[j] = loc[j], loc[i]
	}
	return loc, nil
}
