package codec

import (
	"bytes"
	"errors"
	"io"

	"gopkg.in/yaml.v3"

	zerrors "github.com/zzenonn/zcrush/internal/errors"
	"github.com/zzenonn/zcrush/internal/topology"
)

// EncodeYAML writes the text form of t.
func EncodeYAML(t *topology.Topology) ([]byte, error) {
	return EncodeMapYAML(t.Map())
}

// EncodeMapYAML writes the text form of raw records.
func EncodeMapYAML(m topology.Map) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeMapYAML reads text records. Unknown keys are rejected so that typos
// do not silently drop settings.
func DecodeMapYAML(data []byte) (topology.Map, error) {
	var m topology.Map
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return m, zerrors.MalformedError("empty snapshot")
		}
		return m, zerrors.MalformedError("decode yaml: %v", err)
	}
	return m, nil
}

// DecodeYAML reads and validates a text snapshot.
func DecodeYAML(data []byte) (*topology.Topology, error) {
	m, err := DecodeMapYAML(data)
	if err != nil {
		return nil, err
	}
	return topology.New(m)
}
