package http

import (
	"net/http"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
	"meshroom/pkg/cache"
	apperrors "meshroom/pkg/errors"
	"meshroom/pkg/validation"

	"github.com/gin-gonic/gin"
)

// listCacheTTL keeps the room list hot for bursts of dashboard polling
// without serving stale membership for more than a moment.
const listCacheTTL = time.Second

// RoomHandler serves the read-only room inspection API. Rooms come into
// existence through signaling; this surface only observes them.
type RoomHandler struct {
	registry ports.RoomRegistry
	peers    ports.PeerManager
	cache    *cache.Cache[gin.H]
}

func NewRoomHandler(registry ports.RoomRegistry, peers ports.PeerManager) *RoomHandler {
	return &RoomHandler{
		registry: registry,
		peers:    peers,
		cache:    cache.New[gin.H](listCacheTTL),
	}
}

func (h *RoomHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.GET("/rooms", h.ListRooms)
		api.GET("/rooms/:id", h.GetRoom)
		api.GET("/rooms/:id/peers", h.GetRoomPeers)
	}
}

func (h *RoomHandler) ListRooms(c *gin.Context) {
	body, err := h.cache.GetOrFill("rooms", func() (gin.H, error) {
		rooms := h.registry.Rooms()

		out := make([]gin.H, 0, len(rooms))
		for _, room := range rooms {
			snap, ok := h.registry.Snapshot(room)
			if !ok {
				continue
			}
			out = append(out, gin.H{
				"id":      string(room),
				"members": len(snap.Users),
			})
		}
		return gin.H{"rooms": out}, nil
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, body)
}

func (h *RoomHandler) GetRoom(c *gin.Context) {
	roomID := c.Param("id")
	if err := validation.ValidateRoomID(roomID); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	snap, ok := h.registry.Snapshot(domain.RoomID(roomID))
	if !ok {
		c.Error(apperrors.NewNotFoundError("room"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":     string(snap.Room),
		"users":  userStrings(snap.Users),
		"muteds": userStrings(snap.Muteds),
	})
}

// GetRoomPeers reports the live negotiation legs touching the room.
func (h *RoomHandler) GetRoomPeers(c *gin.Context) {
	roomID := domain.RoomID(c.Param("id"))
	if _, ok := h.registry.Snapshot(roomID); !ok {
		c.Error(apperrors.NewNotFoundError("room"))
		return
	}

	legs := make([]gin.H, 0)
	for _, key := range h.peers.LiveKeys() {
		if key.Room != roomID {
			continue
		}
		legs = append(legs, gin.H{
			"user":   string(key.User),
			"target": string(key.Target),
			"connId": string(key.Conn),
			"anchor": key.IsAnchor(),
		})
	}

	c.JSON(http.StatusOK, gin.H{"legs": legs})
}

func userStrings(users []domain.UserID) []string {
	out := make([]string, len(users))
	for i, u := range users {
		out[i] = string(u)
	}
	return out
}
