package gateway

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/xiehust/owork/internal/common/errors"
)

// maxSkillUploadSize bounds skill package uploads.
const maxSkillUploadSize = 50 * 1024 * 1024

func (s *Server) listSkills(c *gin.Context) {
	skills, err := s.store.ListSkills(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"skills": skills})
}

func (s *Server) getSkill(c *gin.Context) {
	sk, err := s.store.GetSkill(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sk)
}

func (s *Server) listSkillVersions(c *gin.Context) {
	versions, err := s.store.ListSkillVersions(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"versions": versions})
}

// uploadSkill accepts a zip package, as a multipart "file" field or the
// raw request body, and stages it as a draft.
func (s *Server) uploadSkill(c *gin.Context) {
	content, err := readUpload(c)
	if err != nil {
		s.respondError(c, err)
		return
	}

	sk, err := s.skills.UploadPackage(c.Request.Context(), content, c.Query("name"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sk)
}

func readUpload(c *gin.Context) ([]byte, error) {
	if file, err := c.FormFile("file"); err == nil {
		if file.Size > maxSkillUploadSize {
			return nil, apperrors.ValidationError("skill package exceeds %d bytes", maxSkillUploadSize)
		}
		f, err := file.Open()
		if err != nil {
			return nil, apperrors.Wrap(err, "failed to open upload")
		}
		defer f.Close()
		return io.ReadAll(f)
	}

	content, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSkillUploadSize+1))
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to read upload")
	}
	if len(content) == 0 {
		return nil, apperrors.BadRequest("skill package is empty")
	}
	if len(content) > maxSkillUploadSize {
		return nil, apperrors.ValidationError("skill package exceeds %d bytes", maxSkillUploadSize)
	}
	return content, nil
}

type finalizeSkillRequest struct {
	FolderName string `json:"folder_name" binding:"required"`
	Name       string `json:"name"`
}

// finalizeSkill registers a skill folder that already exists in the main
// workspace, created there by an agent.
func (s *Server) finalizeSkill(c *gin.Context) {
	var req finalizeSkillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperrors.BadRequest("invalid payload: %v", err))
		return
	}
	sk, err := s.skills.FinalizeFromLocal(c.Request.Context(), req.FolderName, req.Name)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sk)
}

type publishDraftRequest struct {
	ChangeSummary string `json:"change_summary"`
}

func (s *Server) publishSkillDraft(c *gin.Context) {
	var req publishDraftRequest
	_ = c.ShouldBindJSON(&req)

	sk, err := s.skills.PublishDraft(c.Request.Context(), c.Param("id"), req.ChangeSummary)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sk)
}

func (s *Server) discardSkillDraft(c *gin.Context) {
	sk, err := s.skills.DiscardDraft(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sk)
}

type rollbackRequest struct {
	Version int `json:"version" binding:"required"`
}

func (s *Server) rollbackSkill(c *gin.Context) {
	var req rollbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperrors.BadRequest("invalid payload: %v", err))
		return
	}
	sk, err := s.skills.Rollback(c.Request.Context(), c.Param("id"), req.Version)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sk)
}

func (s *Server) deleteSkill(c *gin.Context) {
	if err := s.skills.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// refreshSkills reconciles skill records against the filesystem.
func (s *Server) refreshSkills(c *gin.Context) {
	result, err := s.skills.Refresh(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
