package server

import (
	"fmt"
	"net/http"

	"github.com/floehq/floe/internal/diagram"
	"github.com/floehq/floe/internal/store"
)

// handleWorkflowDiagram renders a workflow's graph as mermaid (default),
// ascii, or png. With ?run_id= the diagram overlays that run's node
// statuses.
func (s *Server) handleWorkflowDiagram(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	wf, err := s.deps.Store.GetWorkflow(ctx, r.PathValue("id"))
	if err != nil {
		writeFloeError(w, err)
		return
	}

	var nodeRuns []*store.NodeRun
	if runID := r.URL.Query().Get("run_id"); runID != "" {
		nodeRuns, err = s.deps.Store.ListNodeRuns(ctx, runID)
		if err != nil {
			writeFloeError(w, err)
			return
		}
	}

	title := wf.Name
	if title == "" {
		title = wf.ID
	}
	model, err := diagram.Build(title, &wf.Definition, nodeRuns)
	if err != nil {
		writeFloeError(w, err)
		return
	}

	switch format := r.URL.Query().Get("format"); format {
	case "", "mermaid":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, diagram.RenderMermaid(model))
	case "ascii":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, diagram.RenderASCII(model))
	case "png":
		png, err := diagram.RenderImage(model)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("render png: %v", err))
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(png)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown format %q", format))
	}
}
