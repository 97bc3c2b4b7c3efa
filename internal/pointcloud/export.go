package pointcloud

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/qmuntal/gltf"
	"github.com/qmuntal/gltf/modeler"

	"github.com/Brownie44l1/vggt-api/internal/model"
)

const (
	// ContentType is the media type of a GLB file.
	ContentType = "model/gltf-binary"
	// Filename is suggested to clients downloading the export.
	Filename = "output.glb"
)

// SerializationError is returned when a prediction cannot be turned into a
// GLB file.
type SerializationError struct {
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("point cloud export failed: %v", e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// Export converts a prediction into a self-contained GLB file.
func Export(p *model.Prediction) ([]byte, error) {
	pc, err := FromPrediction(p)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := pc.WriteGLB(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteGLB writes the points as a single POINTS primitive with per-vertex
// colors. Geometry and colors go into the embedded binary chunk.
func (pc *PointCloud) WriteGLB(w io.Writer) error {
	if pc.Len() == 0 {
		return &SerializationError{Err: errors.New("point cloud is empty")}
	}

	doc := gltf.NewDocument()
	positions := modeler.WritePosition(doc, pc.Positions)
	colors := modeler.WriteColor(doc, pc.Colors)

	doc.Meshes = []*gltf.Mesh{{
		Name: "pointcloud",
		Primitives: []*gltf.Primitive{{
			Mode: gltf.PrimitivePoints,
			Attributes: gltf.Attribute{
				gltf.POSITION: positions,
				gltf.COLOR_0:  colors,
			},
		}},
	}}
	doc.Nodes = []*gltf.Node{{Name: "pointcloud", Mesh: gltf.Index(0)}}
	doc.Scenes[0].Nodes = append(doc.Scenes[0].Nodes, 0)

	enc := gltf.NewEncoder(w)
	enc.AsBinary = true
	if err := enc.Encode(doc); err != nil {
		return &SerializationError{Err: err}
	}
	return nil
}
