package api

import (
	"net/http"
	"runtime"

	"github.com/gin-gonic/gin"
)

type platform struct {
	OS        string `json:"os"`
	Machine   string `json:"machine"`
	GoVersion string `json:"go_version"`
	CPUs      int    `json:"cpus"`
}

type status struct {
	APIVersion      int               `json:"api_version"`
	ServerVersion   string            `json:"server_version"`
	Build           string            `json:"build"`
	ServerID        string            `json:"server_id"`
	Platform        platform          `json:"platform"`
	EnvironmentVars map[string]string `json:"environment_vars"`
}

func (s *Server) status(c *gin.Context) {
	id, err := s.store.ServerID(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, status{
		APIVersion:    APIVersion,
		ServerVersion: s.opts.Version,
		Build:         s.opts.Build,
		ServerID:      id,
		Platform: platform{
			OS:        runtime.GOOS,
			Machine:   runtime.GOARCH,
			GoVersion: runtime.Version(),
			CPUs:      runtime.NumCPU(),
		},
		EnvironmentVars: s.opts.Environ(),
	})
}
