package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	generationdomain "github.com/smallbiznis/slabworks/internal/generation/domain"
	"github.com/smallbiznis/slabworks/pkg/db/pagination"
)

const multipartMemory = 8 << 20

type generateRequest struct {
	Image    string         `json:"image"`
	ImageURL string         `json:"image_url"`
	Prompt   string         `json:"prompt"`
	Model    string         `json:"model"`
	OrderID  string         `json:"order_id"`
	PhotoID  string         `json:"photo_id"`
	Tags     map[string]any `json:"tags"`
}

type generateResponse struct {
	JobID                string                 `json:"job_id"`
	EstimatedTimeSeconds int64                  `json:"estimated_time_seconds"`
	State                generationdomain.State `json:"state"`
}

// StartGeneration accepts either a JSON body or a multipart upload with an image file.
func (s *Server) StartGeneration(c *gin.Context) {
	tenantID, ok := tenantFromContext(c)
	if !ok {
		AbortWithError(c, ErrTenantRequired)
		return
	}

	var (
		req generateRequest
		img generationdomain.Image
		err error
	)
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		req, img, err = s.readMultipartGenerate(c)
	} else {
		req, img, err = s.readJSONGenerate(c)
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}

	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = string(generationdomain.ModelFast)
	}

	result, err := s.generationSvc.Start(c.Request.Context(), generationdomain.StartRequest{
		TenantID:       tenantID,
		UserID:         userFromContext(c),
		Image:          img,
		Prompt:         req.Prompt,
		Model:          generationdomain.Model(model),
		OrderID:        req.OrderID,
		PhotoID:        req.PhotoID,
		Tags:           req.Tags,
		IdempotencyKey: c.GetHeader(HeaderIdempotencyKey),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Set("job_id", result.JobID)

	if result.Replayed {
		c.Header("Idempotent-Replayed", "true")
	}
	c.JSON(http.StatusAccepted, gin.H{"data": generateResponse{
		JobID:                result.JobID,
		EstimatedTimeSeconds: int64(result.EstimatedTime / time.Second),
		State:                result.State,
	}})
}

func (s *Server) ResolveGeneration(c *gin.Context) {
	tenantID, ok := tenantFromContext(c)
	if !ok {
		AbortWithError(c, ErrTenantRequired)
		return
	}

	jobID := strings.TrimSpace(c.Query("job_id"))
	if jobID == "" {
		jobID = strings.TrimSpace(c.Query("jobId"))
	}
	if jobID == "" {
		AbortWithError(c, generationdomain.ErrInvalidJobID)
		return
	}
	c.Set("job_id", jobID)

	view, err := s.generationSvc.Resolve(c.Request.Context(), tenantID, jobID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, gin.H{"data": view})
}

func (s *Server) ListGenerations(c *gin.Context) {
	tenantID, ok := tenantFromContext(c)
	if !ok {
		AbortWithError(c, ErrTenantRequired)
		return
	}

	var query struct {
		pagination.Pagination
		State   string `form:"state"`
		OrderID string `form:"order_id"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.generationSvc.List(c.Request.Context(), generationdomain.ListJobsRequest{
		Pagination: query.Pagination,
		TenantID:   tenantID,
		State:      generationdomain.State(query.State),
		OrderID:    query.OrderID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Jobs, "page_info": resp.PageInfo})
}

func (s *Server) readJSONGenerate(c *gin.Context) (generateRequest, generationdomain.Image, error) {
	var req generateRequest
	// base64 inflates the payload by a third.
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxUploadBytes*4/3+64<<10)
	if err := c.ShouldBindJSON(&req); err != nil {
		if isBodyTooLarge(err) {
			return req, generationdomain.Image{}, ErrPayloadTooLarge
		}
		return req, generationdomain.Image{}, invalidRequestError()
	}

	img := generationdomain.Image{URL: strings.TrimSpace(req.ImageURL)}
	if raw := strings.TrimSpace(req.Image); raw != "" {
		data, mimeType, err := decodeImage(raw)
		if err != nil {
			return req, generationdomain.Image{}, newValidationError("image", "invalid_image", "image must be base64 or a data URL")
		}
		if int64(len(data)) > s.maxUploadBytes {
			return req, generationdomain.Image{}, ErrPayloadTooLarge
		}
		img.Data = data
		img.MIMEType = mimeType
	}
	return req, img, nil
}

func (s *Server) readMultipartGenerate(c *gin.Context) (generateRequest, generationdomain.Image, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxUploadBytes+1<<20)
	if err := c.Request.ParseMultipartForm(multipartMemory); err != nil {
		if isBodyTooLarge(err) {
			return generateRequest{}, generationdomain.Image{}, ErrPayloadTooLarge
		}
		return generateRequest{}, generationdomain.Image{}, invalidRequestError()
	}
	req := generateRequest{
		ImageURL: c.PostForm("image_url"),
		Prompt:   c.PostForm("prompt"),
		Model:    c.PostForm("model"),
		OrderID:  c.PostForm("order_id"),
		PhotoID:  c.PostForm("photo_id"),
	}
	if rawTags := strings.TrimSpace(c.PostForm("tags")); rawTags != "" {
		if err := json.Unmarshal([]byte(rawTags), &req.Tags); err != nil {
			return req, generationdomain.Image{}, newValidationError("tags", "invalid_tags", "tags must be a JSON object")
		}
	}

	img := generationdomain.Image{URL: strings.TrimSpace(req.ImageURL)}
	header, err := c.FormFile("image")
	switch {
	case errors.Is(err, http.ErrMissingFile):
		return req, img, nil
	case err != nil:
		return req, generationdomain.Image{}, invalidRequestError()
	}
	if header.Size > s.maxUploadBytes {
		return req, generationdomain.Image{}, ErrPayloadTooLarge
	}

	file, err := header.Open()
	if err != nil {
		return req, generationdomain.Image{}, fmt.Errorf("open upload: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return req, generationdomain.Image{}, fmt.Errorf("read upload: %w", err)
	}
	img.Data = data
	img.MIMEType = strings.TrimSpace(header.Header.Get("Content-Type"))
	if img.MIMEType == "" || img.MIMEType == "application/octet-stream" {
		img.MIMEType = http.DetectContentType(data)
	}
	return req, img, nil
}

// decodeImage accepts raw base64 or a data URL like "data:image/jpeg;base64,...".
func decodeImage(raw string) ([]byte, string, error) {
	mimeType := ""
	if rest, ok := strings.CutPrefix(raw, "data:"); ok {
		meta, payload, found := strings.Cut(rest, ",")
		if !found || !strings.HasSuffix(meta, ";base64") {
			return nil, "", errors.New("unsupported data url")
		}
		mimeType = strings.TrimSuffix(meta, ";base64")
		raw = payload
	}

	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(raw, "="))
		if err != nil {
			return nil, "", err
		}
	}
	if len(data) == 0 {
		return nil, "", errors.New("empty image")
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return data, mimeType, nil
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
