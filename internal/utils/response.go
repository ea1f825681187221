package utils

import (
	"strconv"

	"github.com/gin-gonic/gin"
)

// PaginationParams holds parsed pagination query parameters.
type PaginationParams struct {
	Page  int
	Limit int
}

// ParsePaginationParams reads page/limit query parameters with sane bounds.
func ParsePaginationParams(c *gin.Context, defaultLimit, maxLimit int) PaginationParams {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		page = 1
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultLimit)))
	if err != nil || limit < 1 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	return PaginationParams{Page: page, Limit: limit}
}

// SendErrorResponse writes a standardized error payload.
func SendErrorResponse(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}

// SendPaginatedResponse writes a standardized paginated payload.
func SendPaginatedResponse(c *gin.Context, status int, data interface{}, total, page, limit int) {
	totalPages := 0
	if limit > 0 {
		totalPages = (total + limit - 1) / limit
	}

	c.JSON(status, gin.H{
		"data": data,
		"pagination": gin.H{
			"total":       total,
			"page":        page,
			"limit":       limit,
			"total_pages": totalPages,
		},
	})
}
