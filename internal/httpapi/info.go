package httpapi

import (
	"net/http"
	"runtime"
	"time"

	"github.com/you/chatdeck/internal/version"
)

// BuildInfo describes the compiled binary.
type BuildInfo struct {
	Version  string
	Revision string
	BuiltAt  time.Time
}

// CurrentBuild reads the values stamped into the version package at link time.
func CurrentBuild() BuildInfo {
	return BuildInfo{
		Version:  version.Version,
		Revision: version.Commit,
		BuiltAt:  version.BuiltAt(),
	}
}

type infoResponse struct {
	Version  string `json:"version"`
	Revision string `json:"rev"`
	BuiltAt  string `json:"built_at"`
	Go       string `json:"go"`
	Upstream string `json:"upstream,omitempty"`
	Rooms    int    `json:"rooms"`
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	resp := infoResponse{
		Version:  s.opts.Build.Version,
		Revision: s.opts.Build.Revision,
		Go:       runtime.Version(),
	}
	if !s.opts.Build.BuiltAt.IsZero() {
		resp.BuiltAt = s.opts.Build.BuiltAt.UTC().Format(time.RFC3339)
	}
	if s.sup != nil {
		resp.Upstream = s.sup.State().String()
		resp.Rooms = len(s.sup.Rooms())
	}
	writeJSON(w, http.StatusOK, resp)
}
