// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dataset

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bytedance/sonic"
	"gopkg.in/yaml.v3"
)

// Tags are the category and keyword strings attached to one image.
type Tags struct {
	Categories []string `json:"categories" yaml:"categories"`
	Keywords   []string `json:"keywords" yaml:"keywords"`
}

// TagReader reads the tags of an image file.
type TagReader interface {
	ReadTags(imagePath string) (Tags, error)
}

// SidecarReader reads tags from a metadata file stored next to the image.
// Candidates are tried in order: photo.jpg.yaml, photo.jpg.yml,
// photo.jpg.json, photo.jpg.xmp, photo.xmp. An image without a sidecar has
// no tags; a sidecar that cannot be parsed is an error.
type SidecarReader struct{}

// ReadTags implements TagReader.
func (SidecarReader) ReadTags(imagePath string) (Tags, error) {
	stem := strings.TrimSuffix(imagePath, filepath.Ext(imagePath))
	candidates := []string{
		imagePath + ".yaml",
		imagePath + ".yml",
		imagePath + ".json",
		imagePath + ".xmp",
		stem + ".xmp",
	}
	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return Tags{}, fmt.Errorf("reading sidecar: %w", err)
		}
		tags, err := parseSidecar(path, data)
		if err != nil {
			return Tags{}, fmt.Errorf("parsing sidecar %s: %w", filepath.Base(path), err)
		}
		return tags, nil
	}
	return Tags{}, nil
}

func parseSidecar(path string, data []byte) (Tags, error) {
	var tags Tags
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &tags); err != nil {
			return Tags{}, err
		}
	case ".json":
		if err := sonic.Unmarshal(data, &tags); err != nil {
			return Tags{}, err
		}
	case ".xmp":
		return parseXMP(data)
	}
	return tags, nil
}

// parseXMP extracts dc:subject keywords and lr:hierarchicalSubject
// categories. Hierarchical paths ("Animals|Cat") keep only the leaf.
func parseXMP(data []byte) (Tags, error) {
	const (
		nsDC = "http://purl.org/dc/elements/1.1/"
		nsLR = "http://ns.adobe.com/lightroom/1.0/"
	)

	var tags Tags
	var target *[]string
	inItem := false

	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return tags, nil
		}
		if err != nil {
			return Tags{}, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch {
			case t.Name.Space == nsDC && t.Name.Local == "subject":
				target = &tags.Keywords
			case t.Name.Space == nsLR && t.Name.Local == "hierarchicalSubject":
				target = &tags.Categories
			case t.Name.Local == "li" && target != nil:
				inItem = true
			}
		case xml.EndElement:
			switch {
			case t.Name.Local == "li":
				inItem = false
			case t.Name.Local == "subject" || t.Name.Local == "hierarchicalSubject":
				target = nil
			}
		case xml.CharData:
			if !inItem || target == nil {
				continue
			}
			value := strings.TrimSpace(string(t))
			if i := strings.LastIndex(value, "|"); i >= 0 {
				value = value[i+1:]
			}
			if value != "" {
				*target = append(*target, value)
			}
		}
	}
}
