package reporter

import "github.com/forgecad/pulse/pkg/progress"

// Domain helpers: one per event variant the compute pipeline emits. Each
// builds the variant's payload keys and leaves derivation (percentage,
// milestone, operation group) to the shared path in emit.

// ReportDocument emits a document recompute update.
func (r *Reporter) ReportDocument(phase progress.Phase, name string, itemsDone, itemsTotal int) error {
	return r.emit(&progress.Message{
		EventType:  progress.EventTypeDocument,
		Phase:      phase,
		ItemsDone:  itemsDone,
		ItemsTotal: itemsTotal,
		Message:    name,
	}, false)
}

// ReportAssembly4 emits a constraint-solver iteration update.
func (r *Reporter) ReportAssembly4(phase progress.Phase, constraintsResolved, constraintsTotal, iteration int, residual float64) error {
	return r.emit(&progress.Message{
		EventType:  progress.EventTypeAssembly4,
		Phase:      phase,
		ItemsDone:  constraintsResolved,
		ItemsTotal: constraintsTotal,
		Detail: map[string]interface{}{
			"constraints_resolved": constraintsResolved,
			"constraints_total":    constraintsTotal,
			"iteration":            iteration,
			"residual":             residual,
		},
	}, false)
}

// ReportMaterial emits a material application update.
func (r *Reporter) ReportMaterial(phase progress.Phase, library, key, uid string, objectsDone, objectsTotal int, bake bool) error {
	return r.emit(&progress.Message{
		EventType:  progress.EventTypeMaterial,
		Phase:      phase,
		ItemsDone:  objectsDone,
		ItemsTotal: objectsTotal,
		Detail: map[string]interface{}{
			"library":       library,
			"key":           key,
			"uid":           uid,
			"objects_done":  objectsDone,
			"objects_total": objectsTotal,
			"bake":          bake,
		},
	}, false)
}

// ReportOCCT emits a geometry-kernel operation update.
func (r *Reporter) ReportOCCT(op string, phase progress.Phase, shapesDone, shapesTotal, edgesDone, edgesTotal int) error {
	return r.emit(&progress.Message{
		EventType:  progress.EventTypeOCCT,
		Phase:      phase,
		ItemsDone:  shapesDone,
		ItemsTotal: shapesTotal,
		Message:    op,
		Detail: map[string]interface{}{
			"op":           op,
			"shapes_done":  shapesDone,
			"shapes_total": shapesTotal,
			"edges_done":   edgesDone,
			"edges_total":  edgesTotal,
		},
	}, false)
}

// ReportTopology emits a topology-hash computation update.
func (r *Reporter) ReportTopology(phase progress.Phase, faces, edges, vertices int, computed, expected string) error {
	detail := map[string]interface{}{
		"faces":    faces,
		"edges":    edges,
		"vertices": vertices,
	}
	if computed != "" {
		detail["computed_hash"] = computed
	}
	if expected != "" {
		detail["expected_hash"] = expected
	}
	return r.emit(&progress.Message{
		EventType: progress.EventTypeTopologyHash,
		Phase:     phase,
		Detail:    detail,
	}, false)
}

// ReportExport emits a file-export update.
func (r *Reporter) ReportExport(format string, phase progress.Phase, bytesWritten, bytesTotal int64) error {
	msg := &progress.Message{
		EventType: progress.EventTypeExport,
		Phase:     phase,
		Message:   format,
		Detail: map[string]interface{}{
			"format":        format,
			"bytes_written": bytesWritten,
			"bytes_total":   bytesTotal,
		},
	}
	if bytesTotal > 0 {
		pct := float64(bytesWritten) / float64(bytesTotal) * 100
		if pct > 100 {
			pct = 100
		}
		msg.ProgressPct = &pct
	}
	return r.emit(msg, false)
}
