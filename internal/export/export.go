// Package export writes each rehydrated structure to the output directory as
// a MetaImage volume plus a surface mesh, and optionally a PNG preview.
package export

import (
	"context"
	"fmt"
	"path"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/lungseg/internal/decode"
	"github.com/banshee-data/lungseg/internal/errs"
	"github.com/banshee-data/lungseg/internal/monitoring"
	"github.com/banshee-data/lungseg/internal/security"
	"github.com/banshee-data/lungseg/internal/volume"
)

// Exporter persists one structure mask and derives a mesh from it.
type Exporter interface {
	WriteVolumetric(v *volume.Volume[uint8], name string) (string, error)
	Meshify(volumetricPath string) (string, error)
}

// Previewer is implemented by exporters that can render a slice image.
type Previewer interface {
	Preview(v *volume.Volume[uint8], name string) (string, error)
}

// Artifact lists the files written for one structure.
type Artifact struct {
	Structure  string
	Voxels     int
	Volumetric string
	Mesh       string
	Preview    string
}

// CaseName derives the case identifier from the series location: the base
// name with a trailing 4-character extension removed (A01.mha becomes A01).
func CaseName(location string) string {
	base := path.Base(strings.ReplaceAll(location, "\\", "/"))
	if n := len(base); n > 4 && base[n-4] == '.' {
		base = base[:n-4]
	}
	return security.SanitizeFilename(base)
}

// ArtifactName is the file stem for one structure of a case.
func ArtifactName(structure, caseName string) string {
	return structure + "_" + caseName
}

// ExportAll writes every structure concurrently. Previews are rendered when
// previews is set and e implements Previewer. Artifacts are returned in input
// order.
func ExportAll(ctx context.Context, e Exporter, structures []decode.Structure, caseName string, previews bool) ([]Artifact, error) {
	pv, canPreview := e.(Previewer)
	if previews && !canPreview {
		monitoring.Warnf("exporter %T cannot render previews; skipping", e)
	}

	out := make([]Artifact, len(structures))
	g, ctx := errgroup.WithContext(ctx)
	for i, st := range structures {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			name := ArtifactName(st.Name, caseName)
			a := Artifact{Structure: st.Name, Voxels: st.Mask.Count()}

			vol, err := e.WriteVolumetric(st.Mask, name)
			if err != nil {
				return fmt.Errorf("export %s: %w", st.Name, err)
			}
			a.Volumetric = vol

			mesh, err := e.Meshify(vol)
			if err != nil {
				return fmt.Errorf("mesh %s: %w", st.Name, err)
			}
			a.Mesh = mesh

			if previews && canPreview {
				png, err := pv.Preview(st.Mask, name)
				if err != nil {
					return fmt.Errorf("preview %s: %w", st.Name, err)
				}
				a.Preview = png
			}

			out[i] = a
			monitoring.Logf("    %s: %d voxels -> %s, %s", st.Name, a.Voxels, a.Volumetric, a.Mesh)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if errs.KindOf(err) == "" {
			return nil, errs.Wrap(errs.KindFileSystem, "export", "", err)
		}
		return nil, err
	}
	return out, nil
}
