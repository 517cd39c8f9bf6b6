package pmtiles

import (
	"encoding/json"
)

// CreateTileJSON renders a TileJSON 3.0.0 document for an archive served under tileURL.
func CreateTileJSON(header HeaderV3, metadata map[string]interface{}, tileURL string) ([]byte, error) {
	tilejson := make(map[string]interface{})

	tilejson["tilejson"] = "3.0.0"
	tilejson["scheme"] = "xyz"
	tilejson["tiles"] = []string{tileURL + "/{z}/{x}/{y}." + header.TileType.String()}

	for _, k := range []string{"vector_layers", "attribution", "description", "name", "version"} {
		if v, ok := metadata[k]; ok {
			tilejson[k] = v
		}
	}

	e7 := 10000000.0
	tilejson["bounds"] = []float64{float64(header.MinLonE7) / e7, float64(header.MinLatE7) / e7, float64(header.MaxLonE7) / e7, float64(header.MaxLatE7) / e7}
	tilejson["center"] = []interface{}{float64(header.CenterLonE7) / e7, float64(header.CenterLatE7) / e7, header.CenterZoom}
	tilejson["minzoom"] = header.MinZoom
	tilejson["maxzoom"] = header.MaxZoom

	return json.Marshal(tilejson)
}
