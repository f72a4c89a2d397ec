package api

import (
	"errors"
	"net/http"

	"github.com/lumastudio/agentgate/internal/registry"
)

// handleListTools implements GET /v1/tools.
func (d *Dependencies) handleListTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, ToolListResp{Tools: d.Pipeline.ToolSchemas()})
}

// handleToolSchema implements GET /v1/tools/{name}/schema.
func (d *Dependencies) handleToolSchema(w http.ResponseWriter, r *http.Request) {
	fs, err := d.Pipeline.ToolSchema(r.PathValue("name"))
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, ErrorResp{Detail: err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "failed to load tool schema"})
		return
	}
	writeJSON(w, http.StatusOK, fs)
}
