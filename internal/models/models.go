// Package models defines the on-disk records the pipeline consumes
// and produces: mesh collections, per-subject deformation histories,
// raw label volumes and the per-level statistics tensor.
//
// Metadata is JSON; bulk voxel and tensor payloads are raw
// little-endian arrays next to a small JSON header.
package models

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/goccy/go-json"

	"meshatlas/pkg/mesh"
	"meshatlas/pkg/volume"
)

// MeshCollection is the reference geometry of one resolution level:
// node positions in template voxel coordinates plus tetrahedral
// connectivity shared by all subjects.
type MeshCollection struct {
	Points     [][3]float64 `json:"points"`
	Tetrahedra [][4]int32   `json:"tetrahedra"`
}

// LoadMeshCollection reads a mesh collection JSON file.
func LoadMeshCollection(path string) (*MeshCollection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading mesh collection: %w", err)
	}
	var mc MeshCollection
	if err := json.Unmarshal(data, &mc); err != nil {
		return nil, fmt.Errorf("parsing mesh collection %s: %w", path, err)
	}
	return &mc, nil
}

// Mesh builds the reference mesh from the collection.
func (mc *MeshCollection) Mesh() (*mesh.Mesh, error) {
	points := make([]mesh.Point3, len(mc.Points))
	for i, p := range mc.Points {
		points[i] = mesh.Point3(p)
	}
	tets := make([]mesh.Tet, len(mc.Tetrahedra))
	for i, t := range mc.Tetrahedra {
		tets[i] = mesh.Tet(t)
	}
	return mesh.New(points, tets)
}

// SubjectHistory holds what an upstream segmentation run recorded
// for one subject: the node displacement field estimated at each
// resolution level and the crop applied to the subject's image.
type SubjectHistory struct {
	CropOffset   [3]int         `json:"cropOffset"`
	Deformations [][][3]float64 `json:"deformations"` // [level][node]
}

// LoadSubjectHistory reads a subject's history JSON file.
func LoadSubjectHistory(path string) (*SubjectHistory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}
	var h SubjectHistory
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("parsing history %s: %w", path, err)
	}
	return &h, nil
}

// Displacements returns the level's displacement field as points.
func (h *SubjectHistory) Displacements(level int) ([]mesh.Point3, error) {
	if level < 0 || level >= len(h.Deformations) {
		return nil, fmt.Errorf("%w: history has %d levels, level %d requested",
			mesh.ErrShapeMismatch, len(h.Deformations), level)
	}
	disp := make([]mesh.Point3, len(h.Deformations[level]))
	for i, d := range h.Deformations[level] {
		disp[i] = mesh.Point3(d)
	}
	return disp, nil
}

// volumeHeader is the JSON sidecar of a raw label volume.
type volumeHeader struct {
	NX int `json:"nx"`
	NY int `json:"ny"`
	NZ int `json:"nz"`
}

// LoadLabelVolume reads a hard-label volume stored as base+".json"
// (dimensions) and base+".bin" (little-endian int32 voxels, z-major).
func LoadLabelVolume(base string) (*volume.LabelVolume, error) {
	data, err := os.ReadFile(base + ".json")
	if err != nil {
		return nil, fmt.Errorf("reading volume header: %w", err)
	}
	var hdr volumeHeader
	if err := json.Unmarshal(data, &hdr); err != nil {
		return nil, fmt.Errorf("parsing volume header %s.json: %w", base, err)
	}
	if hdr.NX <= 0 || hdr.NY <= 0 || hdr.NZ <= 0 {
		return nil, fmt.Errorf("%w: volume header %s.json describes %dx%dx%d",
			mesh.ErrShapeMismatch, base, hdr.NX, hdr.NY, hdr.NZ)
	}

	f, err := os.Open(base + ".bin")
	if err != nil {
		return nil, fmt.Errorf("reading volume payload: %w", err)
	}
	defer f.Close()

	v := volume.NewLabelVolume(hdr.NX, hdr.NY, hdr.NZ)
	if err := binary.Read(f, binary.LittleEndian, v.Data); err != nil {
		return nil, fmt.Errorf("reading volume payload %s.bin: %w", base, err)
	}
	return v, nil
}

// SaveLabelVolume writes a hard-label volume in the layout
// LoadLabelVolume reads.
func SaveLabelVolume(base string, v *volume.LabelVolume) error {
	if err := v.Validate(); err != nil {
		return err
	}
	hdr, err := json.Marshal(volumeHeader{NX: v.NX, NY: v.NY, NZ: v.NZ})
	if err != nil {
		return err
	}
	if err := os.WriteFile(base+".json", hdr, 0644); err != nil {
		return fmt.Errorf("writing volume header: %w", err)
	}
	f, err := os.Create(base + ".bin")
	if err != nil {
		return fmt.Errorf("writing volume payload: %w", err)
	}
	defer f.Close()
	if err := binary.Write(f, binary.LittleEndian, v.Data); err != nil {
		return fmt.Errorf("writing volume payload: %w", err)
	}
	return f.Close()
}

// StatisticsHeader describes a saved label-statistics tensor.
type StatisticsHeader struct {
	Nodes    int      `json:"nodes"`
	Classes  int      `json:"classes"`
	Subjects []string `json:"subjects"`
}

// SaveStatistics writes the per-level statistics tensor as
// base+".json" (header) and base+".bin" (little-endian float64 in
// [node][class][subject] order, the tensor's native layout).
func SaveStatistics(base string, hdr StatisticsHeader, data []float64) error {
	if len(data) != hdr.Nodes*hdr.Classes*len(hdr.Subjects) {
		return fmt.Errorf("%w: tensor has %d values, header describes %dx%dx%d",
			mesh.ErrShapeMismatch, len(data), hdr.Nodes, hdr.Classes, len(hdr.Subjects))
	}
	out, err := json.Marshal(hdr)
	if err != nil {
		return err
	}
	if err := os.WriteFile(base+".json", out, 0644); err != nil {
		return fmt.Errorf("writing statistics header: %w", err)
	}
	f, err := os.Create(base + ".bin")
	if err != nil {
		return fmt.Errorf("writing statistics payload: %w", err)
	}
	defer f.Close()
	if err := binary.Write(f, binary.LittleEndian, data); err != nil {
		return fmt.Errorf("writing statistics payload: %w", err)
	}
	return f.Close()
}

// LoadStatistics reads a tensor written by SaveStatistics.
func LoadStatistics(base string) (StatisticsHeader, []float64, error) {
	var hdr StatisticsHeader
	data, err := os.ReadFile(base + ".json")
	if err != nil {
		return hdr, nil, fmt.Errorf("reading statistics header: %w", err)
	}
	if err := json.Unmarshal(data, &hdr); err != nil {
		return hdr, nil, fmt.Errorf("parsing statistics header %s.json: %w", base, err)
	}
	f, err := os.Open(base + ".bin")
	if err != nil {
		return hdr, nil, fmt.Errorf("reading statistics payload: %w", err)
	}
	defer f.Close()
	tensor := make([]float64, hdr.Nodes*hdr.Classes*len(hdr.Subjects))
	if err := binary.Read(f, binary.LittleEndian, tensor); err != nil {
		return hdr, nil, fmt.Errorf("reading statistics payload %s.bin: %w", base, err)
	}
	return hdr, tensor, nil
}
