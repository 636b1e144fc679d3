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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const xmpSidecar = `<x:xmpmeta xmlns:x="adobe:ns:meta/">
 <rdf:RDF xmlns:rdf="http://www.w3.org/1999/02/22-rdf-syntax-ns#">
  <rdf:Description rdf:about=""
    xmlns:dc="http://purl.org/dc/elements/1.1/"
    xmlns:lr="http://ns.adobe.com/lightroom/1.0/">
   <dc:title><rdf:Alt><rdf:li xml:lang="x-default">Not a tag</rdf:li></rdf:Alt></dc:title>
   <dc:subject>
    <rdf:Bag>
     <rdf:li>Sunset</rdf:li>
     <rdf:li> beach </rdf:li>
    </rdf:Bag>
   </dc:subject>
   <lr:hierarchicalSubject>
    <rdf:Bag>
     <rdf:li>Places|Coast</rdf:li>
    </rdf:Bag>
   </lr:hierarchicalSubject>
  </rdf:Description>
 </rdf:RDF>
</x:xmpmeta>`

func TestSidecarReader(t *testing.T) {
	dir := t.TempDir()
	img := func(name string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte("img"), 0o644))
		return p
	}
	write := func(name, contents string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644))
	}

	tests := []struct {
		name    string
		setup   func() string
		want    Tags
		wantErr bool
	}{
		{
			name: "yaml",
			setup: func() string {
				write("a.jpg.yaml", "categories: [Travel]\nkeywords:\n  - sea\n  - sand\n")
				return img("a.jpg")
			},
			want: Tags{Categories: []string{"Travel"}, Keywords: []string{"sea", "sand"}},
		},
		{
			name: "yml",
			setup: func() string {
				write("b.png.yml", "keywords: [dog]\n")
				return img("b.png")
			},
			want: Tags{Keywords: []string{"dog"}},
		},
		{
			name: "json",
			setup: func() string {
				write("c.jpg.json", `{"categories":["pets"]}`)
				return img("c.jpg")
			},
			want: Tags{Categories: []string{"pets"}},
		},
		{
			name: "xmp next to stem",
			setup: func() string {
				write("d.xmp", xmpSidecar)
				return img("d.jpg")
			},
			want: Tags{Categories: []string{"Coast"}, Keywords: []string{"Sunset", "beach"}},
		},
		{
			name: "yaml wins over xmp",
			setup: func() string {
				write("e.jpg.yaml", "keywords: [first]\n")
				write("e.xmp", xmpSidecar)
				return img("e.jpg")
			},
			want: Tags{Keywords: []string{"first"}},
		},
		{
			name:  "no sidecar",
			setup: func() string { return img("f.jpg") },
			want:  Tags{},
		},
		{
			name: "broken json",
			setup: func() string {
				write("g.jpg.json", `{"keywords":`)
				return img("g.jpg")
			},
			wantErr: true,
		},
		{
			name: "broken xmp",
			setup: func() string {
				write("h.jpg.xmp", "<x:xmpmeta><rdf:li>")
				return img("h.jpg")
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SidecarReader{}.ReadTags(tt.setup())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
