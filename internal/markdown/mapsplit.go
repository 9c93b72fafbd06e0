package markdown

import (
	"encoding/json"
	"regexp"
	"strings"
)

// LocationsFence is the info string of the fenced block that carries map
// locations inside a report.
const LocationsFence = "locations"

var reLocationsBlock = regexp.MustCompile("(?s)```" + LocationsFence + "[ \t]*\r?\n(.*?)```")

// Location is a point rendered on the report map.
type Location struct {
	Name        string  `json:"name"`
	Address     string  `json:"address,omitempty"`
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	Type        string  `json:"type,omitempty"`
	URL         string  `json:"url,omitempty"`
	Description string  `json:"description,omitempty"`
}

// Coordinate is a latitude/longitude pair.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// MapSplit is a report cut in two around an embedded map.
type MapSplit struct {
	Before    string      `json:"before"`
	After     string      `json:"after"`
	Locations []Location  `json:"locations"`
	Center    *Coordinate `json:"center,omitempty"`
	HasMap    bool        `json:"has_map"`
}

// SplitForMap looks for a ```locations fenced block holding a JSON array of
// locations. When found and valid, the text around the block becomes Before
// and After. Otherwise the whole text is Before and HasMap is false.
func SplitForMap(md string) MapSplit {
	loc := reLocationsBlock.FindStringSubmatchIndex(md)
	if loc == nil {
		return MapSplit{Before: md}
	}

	var locations []Location
	if err := json.Unmarshal([]byte(md[loc[2]:loc[3]]), &locations); err != nil || len(locations) == 0 {
		return MapSplit{Before: md}
	}

	return MapSplit{
		Before:    strings.TrimRight(md[:loc[0]], " \t\r\n"),
		After:     strings.TrimLeft(md[loc[1]:], " \t\r\n"),
		Locations: locations,
		Center:    CenterOf(locations),
		HasMap:    true,
	}
}

// CenterOf returns the mean coordinate of locations, or nil when empty.
func CenterOf(locations []Location) *Coordinate {
	if len(locations) == 0 {
		return nil
	}

	var c Coordinate

	for _, l := range locations {
		c.Lat += l.Lat
		c.Lng += l.Lng
	}

	n := float64(len(locations))

	return &Coordinate{Lat: c.Lat / n, Lng: c.Lng / n}
}
