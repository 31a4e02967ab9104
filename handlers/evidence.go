package handlers

import (
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/docflow_backend/models"
	"github.com/mmdatafocus/docflow_backend/utils"
	"github.com/xuri/excelize/v2"
)

const (
	evidenceSheet = "Evidence"
	xlsxMimeType  = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var evidenceHeader = []interface{}{
	"Seq", "Timestamp", "Action", "Actor", "From Status", "To Status", "Job", "Payload Kind", "Payload",
}

// listEvidence returns the replay-ordered log; ?format=xlsx downloads it as a workbook.
func (h *Handler) listEvidence(c *gin.Context) {
	id := c.Param("id")
	events, err := h.Engine.ListEvidence(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	switch strings.ToLower(c.DefaultQuery("format", "json")) {
	case "json":
		ok(c, events)
	case "xlsx":
		f, err := EvidenceWorkbook(events)
		if err != nil {
			h.fail(c, err)
			return
		}
		defer f.Close()
		c.Header("Content-Type", xlsxMimeType)
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=evidence-%s.xlsx", id))
		if err := f.Write(c.Writer); err != nil {
			h.fail(c, err)
		}
	default:
		h.fail(c, models.NewError(models.KindInvalidInput, "listEvidence", "unsupported format %q", c.Query("format")))
	}
}

// EvidenceWorkbook renders events one row each, in the order given.
func EvidenceWorkbook(events []models.EvidenceEvent) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", evidenceSheet); err != nil {
		return nil, err
	}
	if err := f.SetSheetRow(evidenceSheet, "A1", &evidenceHeader); err != nil {
		return nil, err
	}
	for i, ev := range events {
		row := []interface{}{
			ev.Seq,
			ev.Timestamp.UTC().Format(time.RFC3339Nano),
			string(ev.Action),
			ev.Actor,
			utils.DereferencePtr(ev.FromStatus, ""),
			utils.DereferencePtr(ev.ToStatus, ""),
			utils.DereferencePtr(ev.JobId, ""),
			string(ev.PayloadKind),
			string(ev.Payload),
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(evidenceSheet, cell, &row); err != nil {
			return nil, err
		}
	}
	if err := f.SetColWidth(evidenceSheet, "B", "B", 32); err != nil {
		return nil, err
	}
	if err := f.SetColWidth(evidenceSheet, "I", "I", 80); err != nil {
		return nil, err
	}
	return f, nil
}
