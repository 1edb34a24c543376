package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quipucords/quipucords/internal/model"
)

func (s *Server) listCredentials(c *gin.Context) {
	creds, err := s.store.ListCredentials(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}
	ret := make([]model.RedactedCredential, 0, len(creds))
	for _, cred := range creds {
		ret = append(ret, cred.Redacted())
	}
	c.JSON(http.StatusOK, gin.H{"count": len(ret), "results": ret})
}

func (s *Server) getCredential(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	cred, err := s.store.GetCredential(c.Request.Context(), id)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, cred.Redacted())
}

func (s *Server) createCredential(c *gin.Context) {
	var cred model.Credential
	if err := c.ShouldBindJSON(&cred); err != nil {
		badRequest(c, err)
		return
	}
	cred.ID = 0
	if err := cred.Validate(); err != nil {
		abort(c, err)
		return
	}
	sealed, err := s.box.SealCredential(cred)
	if err != nil {
		abort(c, err)
		return
	}
	created, err := s.store.CreateCredential(c.Request.Context(), sealed)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, created.Redacted())
}

// hasSecrets reports whether any write only field is set.
func hasSecrets(c model.Credential) bool {
	return c.Password != "" || c.SSHKey != "" || c.SSHPassphrase != "" || c.AuthToken != "" || c.BecomePassword != ""
}

// updateCredential replaces the credential. Secrets are never returned, so a
// request without any of them keeps the stored ones, still sealed.
func (s *Server) updateCredential(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var cred model.Credential
	if err := c.ShouldBindJSON(&cred); err != nil {
		badRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	prev, err := s.store.GetCredential(ctx, id)
	if err != nil {
		abort(c, err)
		return
	}
	cred.ID = id
	if cred.Type == "" {
		cred.Type = prev.Type
	}
	if !hasSecrets(cred) {
		cred.Password = prev.Password
		cred.SSHKey = prev.SSHKey
		cred.SSHPassphrase = prev.SSHPassphrase
		cred.AuthToken = prev.AuthToken
		cred.BecomePassword = prev.BecomePassword
	}
	if err := cred.ValidateUpdate(prev); err != nil {
		abort(c, err)
		return
	}
	sealed, err := s.box.SealCredential(cred)
	if err != nil {
		abort(c, err)
		return
	}
	updated, err := s.store.UpdateCredential(ctx, sealed)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, updated.Redacted())
}

func (s *Server) deleteCredential(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := s.store.DeleteCredential(c.Request.Context(), id); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listSources(c *gin.Context) {
	sources, err := s.store.ListSources(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(sources), "results": sources})
}

func (s *Server) getSource(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	src, err := s.store.GetSource(c.Request.Context(), id)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, src)
}

func bindSource(c *gin.Context) (model.Source, bool) {
	var src model.Source
	if err := c.ShouldBindJSON(&src); err != nil {
		badRequest(c, err)
		return model.Source{}, false
	}
	if src.Port == 0 {
		src.Port = src.Type.DefaultPort()
	}
	return src, true
}

// createSource stores the source, the store cross validates the types of
// its credentials.
func (s *Server) createSource(c *gin.Context) {
	src, ok := bindSource(c)
	if !ok {
		return
	}
	src.ID = 0
	created, err := s.store.CreateSource(c.Request.Context(), src)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) updateSource(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	src, ok := bindSource(c)
	if !ok {
		return
	}
	src.ID = id
	updated, err := s.store.UpdateSource(c.Request.Context(), src)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) deleteSource(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := s.store.DeleteSource(c.Request.Context(), id); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listScans(c *gin.Context) {
	scans, err := s.store.ListScans(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(scans), "results": scans})
}

func (s *Server) getScan(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	scan, err := s.store.GetScan(c.Request.Context(), id)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, scan)
}

func (s *Server) createScan(c *gin.Context) {
	var scan model.Scan
	if err := c.ShouldBindJSON(&scan); err != nil {
		badRequest(c, err)
		return
	}
	scan.ID = 0
	created, err := s.store.CreateScan(c.Request.Context(), scan)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) updateScan(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var scan model.Scan
	if err := c.ShouldBindJSON(&scan); err != nil {
		badRequest(c, err)
		return
	}
	scan.ID = id
	updated, err := s.store.UpdateScan(c.Request.Context(), scan)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// deleteScan removes the scan with its jobs, which must not be running.
func (s *Server) deleteScan(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := s.store.DeleteScan(c.Request.Context(), id); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
