package handlers

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/labmesh/backend/internal/storage/blob"
	"github.com/labmesh/backend/internal/storage/models"
	"github.com/labmesh/backend/internal/storage/sqlite"
	"github.com/labmesh/backend/pkg/logger"
	"github.com/labmesh/backend/pkg/utils"
)

type FileHandler struct {
	store   *sqlite.Client
	blobs   *blob.Store
	members MembershipStore
}

func NewFileHandler(store *sqlite.Client, blobs *blob.Store, members MembershipStore) *FileHandler {
	return &FileHandler{store: store, blobs: blobs, members: members}
}

// Upload accepts a multipart file and records it under the project. Extraction
// is a separate, explicit call.
func (h *FileHandler) Upload(c *fiber.Ctx) error {
	projectID := c.FormValue("project_id")
	userID := c.FormValue("user_id")
	if projectID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "project_id is required",
		})
	}
	if err := requireMember(h.members, c, projectID, userID, true); err != nil {
		return err
	}

	header, err := c.FormFile("file")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "file is required",
		})
	}

	f, err := header.Open()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Failed to read upload",
		})
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to read upload",
		})
	}

	fileID := uuid.New().String()
	storagePath := fmt.Sprintf("%s/%s%s", projectID, fileID, filepath.Ext(header.Filename))
	if err := h.blobs.Upload(storagePath, data); err != nil {
		logger.Error("Blob upload failed", zap.String("path", storagePath), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to store file",
		})
	}

	file := &models.ProjectFile{
		ID:          fileID,
		ProjectID:   projectID,
		Name:        header.Filename,
		StoragePath: storagePath,
		MimeType:    header.Header.Get("Content-Type"),
		SizeBytes:   int64(len(data)),
		Fingerprint: utils.Fingerprint(data),
		Version:     1,
		CreatedAt:   time.Now(),
	}
	if err := h.store.InsertProjectFile(file); err != nil {
		logger.Error("File insert failed", zap.String("file_id", fileID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to record file",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"id":          file.ID,
		"project_id":  file.ProjectID,
		"name":        file.Name,
		"size_bytes":  file.SizeBytes,
		"fingerprint": file.Fingerprint,
	})
}
