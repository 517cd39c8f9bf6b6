package pmtiles

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/paulmach/protoscan"
)

// LayerStats describes one layer of a vector tile.
type LayerStats struct {
	Name       string
	Bytes      int
	Features   int
	AttrBytes  int
	AttrValues int
}

// ScanLayers lists the layers of an MVT tile without decoding geometries.
func ScanLayers(tile []byte, compression Compression) ([]LayerStats, error) {
	data := tile
	if compression == Gzip {
		gz, err := gzip.NewReader(bytes.NewReader(tile))
		if err != nil {
			return nil, fmt.Errorf("tile is not gzip: %w", err)
		}
		defer gz.Close()
		data, err = io.ReadAll(gz)
		if err != nil {
			return nil, err
		}
	}

	var layers []LayerStats
	msg := protoscan.New(data)
	var m *protoscan.Message
	var err error
	for msg.Next() {
		if msg.FieldNumber() != 3 {
			msg.Skip()
			continue
		}
		m, err = msg.Message(m)
		if err != nil {
			return nil, err
		}
		layer, err := scanLayer(m)
		if err != nil {
			return nil, err
		}
		layer.Bytes = len(m.Data)
		layers = append(layers, layer)
	}
	if msg.Err() != nil {
		return nil, msg.Err()
	}
	return layers, nil
}

func scanLayer(msg *protoscan.Message) (LayerStats, error) {
	var layer LayerStats
	var m *protoscan.Message
	var err error
	for msg.Next() {
		switch msg.FieldNumber() {
		case 1: // name
			layer.Name, err = msg.String()
		case 2: // feature
			layer.Features++
			msg.Skip()
		case 3: // key
			m, err = msg.Message(m)
			if err == nil {
				layer.AttrBytes += len(m.Data)
			}
		case 4: // value
			layer.AttrValues++
			m, err = msg.Message(m)
			if err == nil {
				layer.AttrBytes += len(m.Data)
			}
		default:
			msg.Skip()
		}
		if err != nil {
			return layer, err
		}
	}
	return layer, msg.Err()
}
