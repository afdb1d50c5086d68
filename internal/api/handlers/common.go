package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/labmesh/backend/internal/storage/models"
	"github.com/labmesh/backend/internal/storage/sqlite"
)

// MembershipStore resolves a caller's role within a project.
type MembershipStore interface {
	GetMemberRole(projectID, userID string) (models.Role, error)
}

// requireMember enforces project membership; write operations additionally
// require a role allowed to modify project knowledge.
func requireMember(store MembershipStore, c *fiber.Ctx, projectID, userID string, write bool) error {
	if userID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "user_id is required",
		})
	}

	role, err := store.GetMemberRole(projectID, userID)
	if err == sqlite.ErrNotFound {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "Not a member of this project",
		})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Membership check failed",
		})
	}

	if write && !role.CanWrite() {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "Insufficient permissions for this operation",
		})
	}
	return nil
}
