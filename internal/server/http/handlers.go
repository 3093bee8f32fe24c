package http

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/filevault/filevault/internal/common"
	"github.com/filevault/filevault/internal/server/repositories/files"
)

func (s *Server) ping(c *gin.Context) {
	c.String(http.StatusOK, "pong")
}

// writeError maps sentinel errors to HTTP status codes. Internal details are
// logged, not leaked.
func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, common.ErrorValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, common.ErrorNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
	case errors.Is(err, common.ErrorTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
	case errors.Is(err, common.ErrResourceExhausted):
		c.JSON(http.StatusInsufficientStorage, gin.H{"error": "insufficient storage"})
	default:
		s.logger.Error(c.Request.Context(), "request failed",
			"method", c.Request.Method, "path", c.Request.URL.Path, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (s *Server) upload(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		s.writeError(c, fmt.Errorf("%w: missing file part: %v", common.ErrorValidation, err))
		return
	}

	f, err := fh.Open()
	if err != nil {
		s.writeError(c, fmt.Errorf("%w: %v", common.ErrorValidation, err))
		return
	}
	defer f.Close()

	fileType := fh.Header.Get("Content-Type")
	if fileType == "" {
		fileType = "application/octet-stream"
	}

	res, err := s.service.Upload(c.Request.Context(), f, files.FileMetadata{
		OriginalFilename: fh.Filename,
		FileType:         fileType,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toUploadResponse(res))
}

// parseListFilter reads the list query parameters. Dates are accepted either
// as RFC 3339 timestamps or as plain dates; a plain upload_date_before is
// widened to the end of that day so the bound stays inclusive.
func parseListFilter(c *gin.Context) (files.ListFilter, error) {
	var filter files.ListFilter
	filter.FileType = c.Query("file_type")
	filter.Search = c.Query("search")
	filter.Ordering = c.Query("ordering")

	parseSize := func(name string) (*int64, error) {
		v := c.Query(name)
		if v == "" {
			return nil, nil
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s must be an integer", common.ErrorValidation, name)
		}
		return &n, nil
	}

	var err error
	if filter.MinSize, err = parseSize("min_size"); err != nil {
		return filter, err
	}
	if filter.MaxSize, err = parseSize("max_size"); err != nil {
		return filter, err
	}

	parseDate := func(name string) (*time.Time, bool, error) {
		v := c.Query(name)
		if v == "" {
			return nil, false, nil
		}
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			return &ts, false, nil
		}
		if d, err := time.Parse("2006-01-02", v); err == nil {
			return &d, true, nil
		}
		return nil, false, fmt.Errorf("%w: %s must be a date or RFC 3339 timestamp", common.ErrorValidation, name)
	}

	after, _, err := parseDate("upload_date_after")
	if err != nil {
		return filter, err
	}
	filter.UploadedAfter = after

	before, dateOnly, err := parseDate("upload_date_before")
	if err != nil {
		return filter, err
	}
	if before != nil && dateOnly {
		end := before.Add(24*time.Hour - time.Nanosecond)
		before = &end
	}
	filter.UploadedBefore = before

	return filter, nil
}

func (s *Server) list(c *gin.Context) {
	filter, err := parseListFilter(c)
	if err != nil {
		s.writeError(c, err)
		return
	}

	result, err := s.service.List(c.Request.Context(), filter)
	if err != nil {
		s.writeError(c, err)
		return
	}

	out := make([]fileResponse, 0, len(result))
	for _, f := range result {
		out = append(out, toFileResponse(f))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) get(c *gin.Context) {
	f, err := s.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toFileResponse(f))
}

func (s *Server) download(c *gin.Context) {
	f, rc, err := s.service.Download(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	defer rc.Close()

	extraHeaders := map[string]string{
		"Content-Disposition": fmt.Sprintf("attachment; filename=%q", f.OriginalFilename),
	}
	c.DataFromReader(http.StatusOK, f.Size, f.FileType, rc, extraHeaders)
}

func (s *Server) remove(c *gin.Context) {
	if err := s.service.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) stats(c *gin.Context) {
	stats, err := s.service.Stats(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toStatsResponse(stats))
}

func (s *Server) fileTypes(c *gin.Context) {
	types, err := s.service.FileTypes(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	if types == nil {
		types = []string{}
	}
	// The endpoint returns a bare array, not a wrapping object.
	c.JSON(http.StatusOK, types)
}
