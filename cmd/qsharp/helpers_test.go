package main

import (
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

func yamlEncode(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	defer enc.Close()
	return enc.Encode(v)
}

func writeBytes(path string, b []byte) error {
	return os.WriteFile(path, b, 0o644)
}
